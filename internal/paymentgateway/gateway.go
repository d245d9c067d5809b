package paymentgateway

import (
	"context"
)

// IntentStatus is the processor's view of a payment intent.
type IntentStatus string

const (
	IntentSucceeded             IntentStatus = "succeeded"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentCanceled              IntentStatus = "canceled"
)

type RefundStatus string

const (
	RefundSucceeded RefundStatus = "succeeded"
	RefundPending   RefundStatus = "pending"
	RefundFailed    RefundStatus = "failed"
)

type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferPaid    TransferStatus = "paid"
	TransferFailed  TransferStatus = "failed"
)

type IntentRequest struct {
	Amount         int64
	Currency       string
	Method         string
	MethodToken    string
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

type Intent struct {
	ID           string
	Status       IntentStatus
	ClientSecret string
	// FeeAmount is only known once the intent has succeeded.
	FeeAmount     int64
	FailureReason string
}

type Refund struct {
	ID     string
	Status RefundStatus
}

type TransferRequest struct {
	Destination    string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

type Transfer struct {
	ID     string
	Status TransferStatus
}

// Gateway is the capability the orchestrator and payout engine need from a
// payment processor. Amount nil means the full amount.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	Capture(ctx context.Context, intentID string, amount *int64) (IntentStatus, error)
	Refund(ctx context.Context, intentID string, amount *int64, reason string) (*Refund, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	VerifyWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}
