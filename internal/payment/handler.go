package payment

import (
	"net/http"

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

// CreateDonation handles POST /api/v1/donations
func (h *Handler) CreateDonation(w http.ResponseWriter, r *http.Request) {
	user, ok := internal.UserFromContext(r.Context())
	if !ok {
		h.WriteAppError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
		return
	}

	var req CreateDonationRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.WriteAppError(w, appErr)
		return
	}

	resp, err := h.Service.CreateAndProcessDonation(r.Context(), user.ID, req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if resp.Replayed {
		status = http.StatusOK
	}
	h.WriteJSON(w, status, resp)
}

// GetDonation handles GET /api/v1/donations/{donationID}
func (h *Handler) GetDonation(w http.ResponseWriter, r *http.Request) {
	user, ok := internal.UserFromContext(r.Context())
	if !ok {
		h.WriteAppError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
		return
	}

	resp, err := h.Service.GetDonation(r.Context(), user.ID, chi.URLParam(r, "donationID"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

// RefundPayment handles POST /api/v1/payments/{paymentID}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.WriteAppError(w, appErr)
		return
	}

	paymentID := chi.URLParam(r, "paymentID")
	resp, err := h.Service.RefundPayment(r.Context(), paymentID, req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	if user, ok := internal.UserFromContext(r.Context()); ok {
		h.Logger.Info("refund requested", "payment_id", paymentID, "refund_id", resp.RefundID, "user_id", user.ID)
	}
	h.WriteJSON(w, http.StatusOK, resp)
}

// CapturePayment handles POST /api/v1/payments/{paymentID}/capture
func (h *Handler) CapturePayment(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if r.ContentLength != 0 {
		if appErr := h.DecodeJSON(r, &req); appErr != nil {
			h.WriteAppError(w, appErr)
			return
		}
	}

	resp, err := h.Service.CapturePayment(r.Context(), chi.URLParam(r, "paymentID"), req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusAccepted, resp)
}
