package payment

import (
	"context"
	"errors"

	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/crowdfunding-payments/internal/idempotency"
	"github.com/frahmantamala/crowdfunding-payments/internal/paymentgateway"
)

// Guard is the subset of the idempotency guard the orchestrator and reconciler use.
type Guard interface {
	Reserve(ctx context.Context, scope, key string) (idempotency.Reservation, error)
	Complete(ctx context.Context, scope, key, result string) error
	Release(ctx context.Context, scope, key string)
}

// TransferEventHandler applies transfer events; implemented by the payout engine.
type TransferEventHandler interface {
	HandleTransferEvent(ctx context.Context, event *paymentgateway.Event) error
}

// StatusForIntent maps the processor's intent status onto the payment state machine.
// Anything unrecognised is treated as a failure.
func StatusForIntent(status paymentgateway.IntentStatus) payment.Status {
	switch status {
	case paymentgateway.IntentSucceeded:
		return payment.StatusCompleted
	case paymentgateway.IntentProcessing:
		return payment.StatusProcessing
	case paymentgateway.IntentRequiresConfirmation, paymentgateway.IntentRequiresAction:
		return payment.StatusPending
	case paymentgateway.IntentCanceled:
		return payment.StatusCancelled
	default:
		return payment.StatusFailed
	}
}

func failureReason(err error) string {
	if gwErr, ok := paymentgateway.AsGatewayError(err); ok {
		if gwErr.Code != "" {
			return string(gwErr.Kind) + ": " + gwErr.Code
		}
		return string(gwErr.Kind)
	}
	return "processor_error"
}

func isRetryable(err error) bool {
	gwErr, ok := paymentgateway.AsGatewayError(err)
	return ok && gwErr.Retryable()
}

func isIndeterminate(err error) bool {
	gwErr, ok := paymentgateway.AsGatewayError(err)
	return ok && gwErr.Indeterminate
}

func inProgress(err error) bool {
	return errors.Is(err, idempotency.ErrInProgress)
}
