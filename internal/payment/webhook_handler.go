package payment

import (
	"context"
	"io"
	"net/http"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/paymentgateway"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport"
)

const maxWebhookBytes = 256 << 10

type EventProcessor interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) error
}

type WebhookHandler struct {
	*transport.BaseHandler
	processor EventProcessor
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, processor EventProcessor) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		processor:   processor,
	}
}

type WebhookResponse struct {
	Status string `json:"status"`
}

// HandlePaymentWebhook handles POST /api/v1/webhooks/payments. The body is passed
// through unparsed so the signature is checked over the exact bytes received.
func (h *WebhookHandler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.WriteAppError(w, internal.NewValidationError("unreadable webhook body", internal.ErrCodeInvalidWebhook))
		return
	}

	signature := r.Header.Get(paymentgateway.SignatureHeader)
	if signature == "" {
		h.WriteAppError(w, internal.NewForbiddenError("missing webhook signature", internal.ErrCodeSignatureInvalid))
		return
	}

	if err := h.processor.HandleEvent(r.Context(), payload, signature); err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, WebhookResponse{Status: "received"})
}
