package payment

import (
	"time"

	errors "github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/common/validation"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/donation"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payment"
)

// BillingDetails is forwarded to the processor as intent metadata only.
type BillingDetails struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Country string `json:"country,omitempty"`
}

type CreateDonationRequest struct {
	ProjectID       int64           `json:"project_id"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	RewardID        *int64          `json:"reward_id,omitempty"`
	PaymentMethod   string          `json:"payment_method"`
	PaymentMethodID string          `json:"payment_method_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	BillingDetails  *BillingDetails `json:"billing_details,omitempty"`
}

func (r *CreateDonationRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("project_id", r.ProjectID).Required().MinInt(1, errors.ErrCodeValidationFailed)
	validator.Field("amount", r.Amount).Required().MinInt(1, errors.ErrCodeInvalidAmount)
	validator.Field("currency", r.Currency).Required().MinLength(3).MaxLength(3)
	validator.Field("payment_method", r.PaymentMethod).Required().Custom(func(v interface{}) *errors.AppError {
		s, _ := v.(string)
		if s == "" {
			return nil
		}
		if _, err := payment.ParseMethod(s); err != nil {
			return errors.NewValidationFieldError("payment_method", err.Error(), errors.ErrCodeInvalidMethod)
		}
		return nil
	})
	validator.Field("payment_method_id", r.PaymentMethodID).Required().MaxLength(255)
	validator.Field("idempotency_key", r.IdempotencyKey).Required().MaxLength(255)
	if r.RewardID != nil {
		validator.Field("reward_id", *r.RewardID).MinInt(1, errors.ErrCodeRewardInvalid)
	}

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type DonationResponse struct {
	DonationID    string    `json:"donation_id"`
	PaymentID     string    `json:"payment_id"`
	ProjectID     int64     `json:"project_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	RewardID      *int64    `json:"reward_id,omitempty"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	ClientSecret  string    `json:"client_secret,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	// Replayed is set when the response was served from a completed idempotency record.
	Replayed bool `json:"-"`
}

func ToDonationResponse(d *donation.Donation, p *payment.Payment) *DonationResponse {
	resp := &DonationResponse{
		DonationID:    d.ID,
		PaymentID:     p.ID,
		ProjectID:     d.ProjectID,
		Amount:        d.Amount,
		Currency:      d.Currency,
		RewardID:      d.RewardID,
		Status:        string(d.Status),
		PaymentStatus: string(p.Status),
		CreatedAt:     d.CreatedAt,
	}
	if p.FailureReason != nil {
		resp.FailureReason = *p.FailureReason
	}
	return resp
}

type RefundRequest struct {
	Reason string `json:"reason"`
	Amount *int64 `json:"refund_amount,omitempty"`
}

func (r *RefundRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("reason", r.Reason).Required().MaxLength(500)
	if r.Amount != nil {
		validator.Field("refund_amount", *r.Amount).MinInt(1, errors.ErrCodeInvalidAmount)
	}

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type RefundResponse struct {
	PaymentID      string `json:"payment_id"`
	RefundID       string `json:"refund_id"`
	RefundStatus   string `json:"refund_status"`
	PaymentStatus  string `json:"payment_status"`
	RefundedAmount int64  `json:"refunded_amount"`
}

type CaptureRequest struct {
	Amount *int64 `json:"amount,omitempty"`
}

func (r *CaptureRequest) Validate() error {
	if r.Amount == nil {
		return nil
	}
	validator := validation.NewValidator()
	validator.Field("amount", *r.Amount).MinInt(1, errors.ErrCodeInvalidAmount)
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type CaptureResponse struct {
	PaymentID       string `json:"payment_id"`
	PaymentStatus   string `json:"payment_status"`
	ProcessorStatus string `json:"processor_status"`
}
