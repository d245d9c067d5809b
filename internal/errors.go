package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound      ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized  ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden     ErrorType = "FORBIDDEN"
	ErrorTypeConflict      ErrorType = "CONFLICT"
	ErrorTypePayment       ErrorType = "PAYMENT_ERROR"
	ErrorTypeRateLimit     ErrorType = "RATE_LIMIT_ERROR"
	ErrorTypeInternal      ErrorType = "INTERNAL_ERROR"
	ErrorTypeConfiguration ErrorType = "CONFIGURATION_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed   ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount      ErrorCode = "INVALID_AMOUNT"
	ErrCodeAmountTooLow       ErrorCode = "AMOUNT_TOO_LOW"
	ErrCodeAmountTooHigh      ErrorCode = "AMOUNT_TOO_HIGH"
	ErrCodeInvalidCurrency    ErrorCode = "INVALID_CURRENCY"
	ErrCodeInvalidMethod      ErrorCode = "INVALID_PAYMENT_METHOD"
	ErrCodeProjectNotActive   ErrorCode = "PROJECT_NOT_ACTIVE"
	ErrCodeRewardInvalid      ErrorCode = "REWARD_INVALID"
	ErrCodeRewardUnavailable  ErrorCode = "REWARD_UNAVAILABLE"
	ErrCodePaymentNotRefund   ErrorCode = "PAYMENT_NOT_REFUNDABLE"
	ErrCodePaymentNotCapture  ErrorCode = "PAYMENT_NOT_CAPTURABLE"
	ErrCodeRefundTooLarge     ErrorCode = "REFUND_AMOUNT_TOO_LARGE"
	ErrCodePayoutIneligible   ErrorCode = "PAYOUT_INELIGIBLE"
	ErrCodeInsufficientFunds  ErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeInvalidWebhook     ErrorCode = "INVALID_WEBHOOK_PAYLOAD"
	ErrCodeSignatureInvalid   ErrorCode = "SIGNATURE_INVALID"
	ErrCodeRequestInProgress  ErrorCode = "REQUEST_IN_PROGRESS"
	ErrCodeDuplicateDonation  ErrorCode = "DUPLICATE_DONATION"
	ErrCodeDonationNotFound   ErrorCode = "DONATION_NOT_FOUND"
	ErrCodePaymentNotFound    ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodeProjectNotFound    ErrorCode = "PROJECT_NOT_FOUND"
	ErrCodeUnauthorizedAccess ErrorCode = "UNAUTHORIZED_ACCESS"

	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired ErrorCode = "TOKEN_EXPIRED"

	ErrCodeCardDeclined   ErrorCode = "CARD_DECLINED"
	ErrCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeGatewayAuth    ErrorCode = "GATEWAY_AUTH_FAILED"
	ErrCodeNetworkError   ErrorCode = "NETWORK_ERROR"

	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIGURATION"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	Retryable  bool        `json:"retryable,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// NewPaymentError carries a user-safe message for a processor failure.
func NewPaymentError(message string, code ErrorCode, status int, retryable bool) *AppError {
	return &AppError{
		Type:       ErrorTypePayment,
		Code:       code,
		Message:    message,
		Retryable:  retryable,
		StatusCode: status,
	}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeRateLimit,
		Code:       ErrCodeRateLimited,
		Message:    message,
		Retryable:  true,
		StatusCode: http.StatusTooManyRequests,
	}
}

func NewConfigurationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConfiguration,
		Code:       ErrCodeMissingConfig,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

var (
	ErrDonationNotFound   = NewNotFoundError("Donation not found", ErrCodeDonationNotFound)
	ErrPaymentNotFound    = NewNotFoundError("Payment not found", ErrCodePaymentNotFound)
	ErrProjectNotFound    = NewNotFoundError("Project not found", ErrCodeProjectNotFound)
	ErrUnauthorizedAccess = NewForbiddenError("unauthorized access to resource", ErrCodeUnauthorizedAccess)
	ErrRequestInProgress  = NewConflictError("A request with this idempotency key is still being processed", ErrCodeRequestInProgress)
	ErrRewardUnavailable  = NewConflictError("Reward is no longer available", ErrCodeRewardUnavailable)

	ErrInvalidToken = NewUnauthorizedError("Invalid token", ErrCodeInvalidToken)
	ErrTokenExpired = NewUnauthorizedError("Token has expired", ErrCodeTokenExpired)
)

// IsAppError unwraps err looking for an *AppError.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      ErrorType   `json:"type"`
		Code      ErrorCode   `json:"code"`
		Message   string      `json:"message"`
		Details   interface{} `json:"details,omitempty"`
		Retryable bool        `json:"retryable,omitempty"`
	}{
		Type:      e.Type,
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		Retryable: e.Retryable,
	})
}
