package paymentgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/frahmantamala/crowdfunding-payments/internal"
)

var (
	ErrSignatureInvalid = errors.New("paymentgateway: webhook signature invalid")
	ErrMalformedEvent   = errors.New("paymentgateway: malformed webhook event")
)

type ErrorKind string

const (
	KindCardDeclined   ErrorKind = "card_declined"
	KindRateLimited    ErrorKind = "rate_limited"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindAuthFailed     ErrorKind = "auth_failed"
	KindNetworkError   ErrorKind = "network_error"
)

// GatewayError is a classified processor failure. Indeterminate is set when the
// request may have reached the processor and its outcome is unknown.
type GatewayError struct {
	Kind          ErrorKind
	Code          string
	Message       string
	Indeterminate bool
	Err           error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway %s", e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed if sent again later.
func (e *GatewayError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindNetworkError
}

func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// timeoutError classifies a context expiry during a processor call.
func timeoutError(err error) *GatewayError {
	return &GatewayError{
		Kind:          KindNetworkError,
		Message:       "processor call timed out",
		Indeterminate: errors.Is(err, context.DeadlineExceeded),
		Err:           err,
	}
}

// ToAppError turns a processor failure into a user-safe AppError. Processor
// messages are kept as the cause only.
func ToAppError(err error) *internal.AppError {
	gwErr, ok := AsGatewayError(err)
	if !ok {
		return internal.NewInternalError("payment processing failed", err)
	}

	var appErr *internal.AppError
	switch gwErr.Kind {
	case KindCardDeclined:
		appErr = internal.NewPaymentError("Your payment method was declined", internal.ErrCodeCardDeclined, http.StatusPaymentRequired, false)
	case KindRateLimited:
		appErr = internal.NewPaymentError("The payment processor is busy, please retry shortly", internal.ErrCodeRateLimited, http.StatusTooManyRequests, true)
	case KindInvalidRequest:
		appErr = internal.NewPaymentError("The payment request was rejected by the processor", internal.ErrCodeInvalidRequest, http.StatusBadRequest, false)
	case KindAuthFailed:
		appErr = internal.NewPaymentError("Payment processing is temporarily unavailable", internal.ErrCodeGatewayAuth, http.StatusBadGateway, false)
	default:
		appErr = internal.NewPaymentError("Could not reach the payment processor, please retry", internal.ErrCodeNetworkError, http.StatusServiceUnavailable, true)
	}
	return appErr.WithCause(err)
}
