package ledger

import (
	"context"
	"database/sql/driver"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"

	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/donation"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payout"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// IsTransient reports whether err is worth retrying the whole unit of work for.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// RetryingStore retries write operations on transient database errors with
// bounded exponential backoff. Domain errors are returned on the first attempt.
type RetryingStore struct {
	Store
	maxRetries uint64
	base       time.Duration
	logger     *slog.Logger
}

// NewRetryingStore wraps store with retries on transient errors.
func NewRetryingStore(store Store, maxRetries int, base time.Duration, logger *slog.Logger) *RetryingStore {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	return &RetryingStore{
		Store:      store,
		maxRetries: uint64(maxRetries),
		base:       base,
		logger:     logger,
	}
}

func (s *RetryingStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.base))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if IsTransient(err) {
			s.logger.Warn("transient ledger error, retrying", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *RetryingStore) CreateDonationAndPayment(ctx context.Context, d *donation.Donation, p *payment.Payment) error {
	return s.do(ctx, "create_donation_and_payment", func(ctx context.Context) error {
		return s.Store.CreateDonationAndPayment(ctx, d, p)
	})
}

func (s *RetryingStore) UpdatePaymentStatus(ctx context.Context, t PaymentTransition) (*payment.Payment, error) {
	var out *payment.Payment
	err := s.do(ctx, "update_payment_status", func(ctx context.Context) error {
		var err error
		out, err = s.Store.UpdatePaymentStatus(ctx, t)
		return err
	})
	return out, err
}

func (s *RetryingStore) ApplyRefund(ctx context.Context, u RefundUpdate) (*payment.Payment, error) {
	var out *payment.Payment
	err := s.do(ctx, "apply_refund", func(ctx context.Context) error {
		var err error
		out, err = s.Store.ApplyRefund(ctx, u)
		return err
	})
	return out, err
}

func (s *RetryingStore) AttachTransactionID(ctx context.Context, paymentID, transactionID string) error {
	return s.do(ctx, "attach_transaction_id", func(ctx context.Context) error {
		return s.Store.AttachTransactionID(ctx, paymentID, transactionID)
	})
}

func (s *RetryingStore) MergePaymentMetadata(ctx context.Context, paymentID string, metadata map[string]interface{}) error {
	return s.do(ctx, "merge_payment_metadata", func(ctx context.Context) error {
		return s.Store.MergePaymentMetadata(ctx, paymentID, metadata)
	})
}

func (s *RetryingStore) CreatePayout(ctx context.Context, projectID int64, decide PayoutDecision) (*payout.Payout, error) {
	var out *payout.Payout
	err := s.do(ctx, "create_payout", func(ctx context.Context) error {
		var err error
		out, err = s.Store.CreatePayout(ctx, projectID, decide)
		return err
	})
	return out, err
}

func (s *RetryingStore) UpdatePayoutStatus(ctx context.Context, t PayoutTransition) (*payout.Payout, error) {
	var out *payout.Payout
	err := s.do(ctx, "update_payout_status", func(ctx context.Context) error {
		var err error
		out, err = s.Store.UpdatePayoutStatus(ctx, t)
		return err
	})
	return out, err
}
