package project

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport"
)

type ServiceAPI interface {
	GetProject(ctx context.Context, id int64) (*ProjectResponse, error)
}

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
	}
}

func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
	if err != nil || id <= 0 {
		h.WriteAppError(w, internal.NewValidationError("invalid project id", internal.ErrCodeValidationFailed))
		return
	}

	resp, err := h.Service.GetProject(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}
