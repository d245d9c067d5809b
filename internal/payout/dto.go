package payout

import (
	"time"

	errors "github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/common/validation"
	payoutDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payout"
)

type FundsSummary struct {
	ProjectID             int64   `json:"project_id"`
	Currency              string  `json:"currency"`
	CompletedDonations    int64   `json:"completed_donations"`
	PlatformFee           int64   `json:"platform_fee"`
	PlatformFeePercentage float64 `json:"platform_fee_percentage"`
	CompletedPayouts      int64   `json:"completed_payouts"`
	ProcessingPayouts     int64   `json:"processing_payouts"`
	PendingPayouts        int64   `json:"pending_payouts"`
	Available             int64   `json:"available"`
}

type PayoutRequest struct {
	Amount *int64 `json:"amount,omitempty"`
}

func (r *PayoutRequest) Validate() error {
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

type PayoutResponse struct {
	ID             string     `json:"id"`
	ProjectID      int64      `json:"project_id"`
	Amount         int64      `json:"amount"`
	FeeAmount      int64      `json:"fee_amount"`
	TransferAmount int64      `json:"transfer_amount"`
	Currency       string     `json:"currency"`
	Status         string     `json:"status"`
	TransferID     string     `json:"transfer_id,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

func ToPayoutResponse(p *payoutDatamodel.Payout) *PayoutResponse {
	resp := &PayoutResponse{
		ID:             p.ID,
		ProjectID:      p.ProjectID,
		Amount:         p.Amount,
		FeeAmount:      p.FeeAmount,
		TransferAmount: p.TransferAmount(),
		Currency:       p.Currency,
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt,
		ProcessedAt:    p.ProcessedAt,
	}
	if p.ExternalTransferID != nil {
		resp.TransferID = *p.ExternalTransferID
	}
	if p.FailureReason != nil {
		resp.FailureReason = *p.FailureReason
	}
	return resp
}
