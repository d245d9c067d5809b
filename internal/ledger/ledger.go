package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/donation"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payout"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/project"
)

var (
	ErrNotFound          = errors.New("ledger: record not found")
	ErrConflict          = errors.New("ledger: stored state does not match expected state")
	ErrIllegalTransition = errors.New("ledger: status transition not allowed")
	ErrRewardUnavailable = errors.New("ledger: reward has no remaining quantity")
	ErrDuplicate         = errors.New("ledger: duplicate record")
)

// PaymentTransition moves one payment from From to To in a single transaction.
// The write is rejected with ErrConflict if the stored status is not From or if a
// different external transaction id is already recorded.
type PaymentTransition struct {
	PaymentID      string
	From           payment.Status
	To             payment.Status
	TransactionID  string
	FeeAmount      *int64
	NetAmount      *int64
	RefundedAmount *int64
	FailureReason  string
	Metadata       map[string]interface{}

	// Donation, when set, is applied to the owning donation in the same transaction.
	Donation donation.Status
	// ReleaseReward gives the donation's reward slot back.
	ReleaseReward bool
}

// RefundUpdate raises a payment's cumulative refunded amount to RefundedTotal.
// A payment stays in its status until nothing is left to refund, then it and its
// donation become REFUNDED. A total at or below the stored one is ErrConflict.
type RefundUpdate struct {
	PaymentID     string
	RefundedTotal int64
	Metadata      map[string]interface{}
}

// PayoutTransition moves one payout from From to To, binding TransferID when set.
type PayoutTransition struct {
	PayoutID      string
	From          payout.Status
	To            payout.Status
	TransferID    string
	FailureReason string
	ProcessedAt   *time.Time
}

// FundsSnapshot holds project totals read in one statement. CompletedDonations
// is net of partial refunds.
type FundsSnapshot struct {
	CompletedDonations int64 `gorm:"column:completed_donations"`
	CompletedPayouts   int64 `gorm:"column:completed_payouts"`
	ProcessingPayouts  int64 `gorm:"column:processing_payouts"`
	PendingPayouts     int64 `gorm:"column:pending_payouts"`
}

// PayoutDecision builds the payout to insert while the project row is locked.
type PayoutDecision func(p *project.Project, snapshot FundsSnapshot) (*payout.Payout, error)

type PaymentStore interface {
	CreateDonationAndPayment(ctx context.Context, d *donation.Donation, p *payment.Payment) error
	GetDonation(ctx context.Context, id string) (*donation.Donation, error)
	GetPayment(ctx context.Context, id string) (*payment.Payment, error)
	GetPaymentByTransactionID(ctx context.Context, transactionID string) (*payment.Payment, error)
	GetPaymentByDonationID(ctx context.Context, donationID string) (*payment.Payment, error)
	UpdatePaymentStatus(ctx context.Context, t PaymentTransition) (*payment.Payment, error)
	ApplyRefund(ctx context.Context, u RefundUpdate) (*payment.Payment, error)
	AttachTransactionID(ctx context.Context, paymentID, transactionID string) error
	MergePaymentMetadata(ctx context.Context, paymentID string, metadata map[string]interface{}) error
}

type PayoutStore interface {
	FundsSnapshot(ctx context.Context, projectID int64) (FundsSnapshot, error)
	CreatePayout(ctx context.Context, projectID int64, decide PayoutDecision) (*payout.Payout, error)
	GetPayout(ctx context.Context, id string) (*payout.Payout, error)
	GetPayoutByTransferID(ctx context.Context, transferID string) (*payout.Payout, error)
	UpdatePayoutStatus(ctx context.Context, t PayoutTransition) (*payout.Payout, error)
}

type Store interface {
	PaymentStore
	PayoutStore
}
