package payout

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport"
)

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

func (h *Handler) projectID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
	if err != nil || id <= 0 {
		h.WriteAppError(w, internal.NewValidationError("invalid project id", internal.ErrCodeValidationFailed))
		return 0, false
	}
	return id, true
}

// RequestPayout handles POST /api/v1/projects/{projectID}/payouts
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	user, ok := internal.UserFromContext(r.Context())
	if !ok {
		h.WriteAppError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
		return
	}
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	var req PayoutRequest
	if r.ContentLength != 0 {
		if appErr := h.DecodeJSON(r, &req); appErr != nil {
			h.WriteAppError(w, appErr)
			return
		}
	}

	resp, err := h.Service.RequestPayout(r.Context(), projectID, user.ID, req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, resp)
}

// GetFunds handles GET /api/v1/projects/{projectID}/funds
func (h *Handler) GetFunds(w http.ResponseWriter, r *http.Request) {
	user, ok := internal.UserFromContext(r.Context())
	if !ok {
		h.WriteAppError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
		return
	}
	projectID, ok := h.projectID(w, r)
	if !ok {
		return
	}

	resp, err := h.Service.GetFunds(r.Context(), user.ID, projectID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}
