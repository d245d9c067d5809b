package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/donation"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payout"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/project"
	"github.com/frahmantamala/crowdfunding-payments/internal/ledger"
)

const fundsSnapshotSQL = `
SELECT
	(SELECT COALESCE(SUM(d.amount - COALESCE(p.refunded_amount, 0)), 0)
		FROM donations d LEFT JOIN payments p ON p.donation_id = d.id
		WHERE d.project_id = ? AND d.status = ?) AS completed_donations,
	(SELECT COALESCE(SUM(amount), 0) FROM payouts WHERE project_id = ? AND status = ?) AS completed_payouts,
	(SELECT COALESCE(SUM(amount), 0) FROM payouts WHERE project_id = ? AND status = ?) AS processing_payouts,
	(SELECT COALESCE(SUM(amount), 0) FROM payouts WHERE project_id = ? AND status = ?) AS pending_payouts`

type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore returns a ledger backed by gorm.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

var _ ledger.Store = (*LedgerStore)(nil)

func forUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ledger.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ledger.ErrDuplicate, err)
	default:
		return err
	}
}

// CreateDonationAndPayment inserts a PENDING donation and payment and claims the reward slot, all in one transaction.
func (s *LedgerStore) CreateDonationAndPayment(ctx context.Context, d *donation.Donation, p *payment.Payment) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if d.RewardID != nil {
			if err := claimReward(tx, *d.RewardID, d.ProjectID); err != nil {
				return err
			}
		}
		if err := tx.Create(d).Error; err != nil {
			return fmt.Errorf("insert donation: %w", translate(err))
		}
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("insert payment: %w", translate(err))
		}
		return nil
	})
	return err
}

// claimReward locks the reward row, checks stock and increments the claim count.
func claimReward(tx *gorm.DB, rewardID, projectID int64) error {
	var r project.Reward
	if err := tx.Clauses(forUpdate()).Where("id = ?", rewardID).First(&r).Error; err != nil {
		return fmt.Errorf("lock reward %d: %w", rewardID, translate(err))
	}
	if r.ProjectID != projectID || !r.HasStock() {
		return ledger.ErrRewardUnavailable
	}

	res := tx.Model(&project.Reward{}).
		Where("id = ? AND (quantity_available IS NULL OR quantity_claimed < quantity_available)", rewardID).
		Update("quantity_claimed", gorm.Expr("quantity_claimed + 1"))
	if res.Error != nil {
		return fmt.Errorf("claim reward %d: %w", rewardID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ledger.ErrRewardUnavailable
	}
	return nil
}

func releaseReward(tx *gorm.DB, rewardID int64) error {
	return tx.Model(&project.Reward{}).
		Where("id = ? AND quantity_claimed > 0", rewardID).
		Update("quantity_claimed", gorm.Expr("quantity_claimed - 1")).Error
}

func (s *LedgerStore) GetDonation(ctx context.Context, id string) (*donation.Donation, error) {
	var d donation.Donation
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (s *LedgerStore) GetPayment(ctx context.Context, id string) (*payment.Payment, error) {
	var p payment.Payment
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *LedgerStore) GetPaymentByTransactionID(ctx context.Context, transactionID string) (*payment.Payment, error) {
	var p payment.Payment
	if err := s.db.WithContext(ctx).Where("external_transaction_id = ?", transactionID).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *LedgerStore) GetPaymentByDonationID(ctx context.Context, donationID string) (*payment.Payment, error) {
	var p payment.Payment
	if err := s.db.WithContext(ctx).Where("donation_id = ?", donationID).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// UpdatePaymentStatus applies t under a row lock.
func (s *LedgerStore) UpdatePaymentStatus(ctx context.Context, t ledger.PaymentTransition) (*payment.Payment, error) {
	if !t.From.CanTransitionTo(t.To) {
		return nil, fmt.Errorf("%w: payment %s -> %s", ledger.ErrIllegalTransition, t.From, t.To)
	}

	var updated payment.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current payment.Payment
		if err := tx.Clauses(forUpdate()).Where("id = ?", t.PaymentID).First(&current).Error; err != nil {
			return translate(err)
		}
		if current.Status != t.From {
			return fmt.Errorf("%w: payment %s is %s, expected %s", ledger.ErrConflict, current.ID, current.Status, t.From)
		}
		if t.TransactionID != "" && current.ExternalTransactionID != nil && *current.ExternalTransactionID != t.TransactionID {
			return fmt.Errorf("%w: payment %s already bound to another transaction", ledger.ErrConflict, current.ID)
		}

		updates := map[string]interface{}{
			"status":     string(t.To),
			"updated_at": time.Now().UTC(),
		}
		if t.TransactionID != "" {
			updates["external_transaction_id"] = t.TransactionID
		}
		if t.FeeAmount != nil {
			updates["fee_amount"] = *t.FeeAmount
		}
		if t.NetAmount != nil {
			updates["net_amount"] = *t.NetAmount
		}
		if t.RefundedAmount != nil {
			updates["refunded_amount"] = *t.RefundedAmount
		}
		if t.FailureReason != "" {
			updates["failure_reason"] = t.FailureReason
		}
		if len(t.Metadata) > 0 {
			updates["metadata"] = mergeMetadata(current.Metadata, t.Metadata)
		}

		res := tx.Model(&payment.Payment{}).
			Where("id = ? AND status = ?", t.PaymentID, string(t.From)).
			Updates(updates)
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: payment %s changed concurrently", ledger.ErrConflict, t.PaymentID)
		}

		if t.Donation != "" || t.ReleaseReward {
			if err := applyDonation(tx, current.DonationID, t.Donation, t.ReleaseReward); err != nil {
				return err
			}
		}

		return tx.Where("id = ?", t.PaymentID).First(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// ApplyRefund records a new cumulative refunded amount under a row lock.
func (s *LedgerStore) ApplyRefund(ctx context.Context, u ledger.RefundUpdate) (*payment.Payment, error) {
	var updated payment.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current payment.Payment
		if err := tx.Clauses(forUpdate()).Where("id = ?", u.PaymentID).First(&current).Error; err != nil {
			return translate(err)
		}
		if current.Status != payment.StatusCompleted && current.Status != payment.StatusDisputed {
			return fmt.Errorf("%w: payment %s is %s and cannot take a refund", ledger.ErrConflict, current.ID, current.Status)
		}
		if u.RefundedTotal <= current.RefundedAmount {
			return fmt.Errorf("%w: payment %s already has %d refunded", ledger.ErrConflict, current.ID, current.RefundedAmount)
		}
		if u.RefundedTotal > current.Amount {
			return fmt.Errorf("%w: refund total %d exceeds payment amount %d", ledger.ErrIllegalTransition, u.RefundedTotal, current.Amount)
		}

		to := current.Status
		if u.RefundedTotal == current.Amount {
			to = payment.StatusRefunded
		}
		updates := map[string]interface{}{
			"status":          string(to),
			"refunded_amount": u.RefundedTotal,
			"updated_at":      time.Now().UTC(),
		}
		if len(u.Metadata) > 0 {
			updates["metadata"] = mergeMetadata(current.Metadata, u.Metadata)
		}

		res := tx.Model(&payment.Payment{}).
			Where("id = ? AND status = ? AND refunded_amount = ?", current.ID, string(current.Status), current.RefundedAmount).
			Updates(updates)
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: payment %s changed concurrently", ledger.ErrConflict, current.ID)
		}

		if to == payment.StatusRefunded {
			if err := applyDonation(tx, current.DonationID, donation.StatusRefunded, false); err != nil {
				return err
			}
		}
		return tx.Where("id = ?", current.ID).First(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func applyDonation(tx *gorm.DB, donationID string, to donation.Status, release bool) error {
	var d donation.Donation
	if err := tx.Clauses(forUpdate()).Where("id = ?", donationID).First(&d).Error; err != nil {
		return fmt.Errorf("load donation %s: %w", donationID, translate(err))
	}

	if to != "" && d.Status != to {
		if !d.Status.CanTransitionTo(to) {
			return fmt.Errorf("%w: donation %s -> %s", ledger.ErrIllegalTransition, d.Status, to)
		}
		res := tx.Model(&donation.Donation{}).
			Where("id = ? AND status = ?", d.ID, string(d.Status)).
			Updates(map[string]interface{}{"status": string(to), "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: donation %s changed concurrently", ledger.ErrConflict, d.ID)
		}
	}

	if release && d.RewardID != nil {
		if err := releaseReward(tx, *d.RewardID); err != nil {
			return fmt.Errorf("release reward %d: %w", *d.RewardID, err)
		}
	}
	return nil
}

func mergeMetadata(current datatypes.JSONMap, extra map[string]interface{}) datatypes.JSONMap {
	merged := datatypes.JSONMap{}
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// AttachTransactionID binds the processor id to a payment whose status does not
// change yet, e.g. an intent waiting for customer action.
func (s *LedgerStore) AttachTransactionID(ctx context.Context, paymentID, transactionID string) error {
	res := s.db.WithContext(ctx).Model(&payment.Payment{}).
		Where("id = ? AND (external_transaction_id IS NULL OR external_transaction_id = ?)", paymentID, transactionID).
		Updates(map[string]interface{}{
			"external_transaction_id": transactionID,
			"updated_at":              time.Now().UTC(),
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetPayment(ctx, paymentID); err != nil {
			return err
		}
		return fmt.Errorf("%w: payment %s already bound to another transaction", ledger.ErrConflict, paymentID)
	}
	return nil
}

func (s *LedgerStore) MergePaymentMetadata(ctx context.Context, paymentID string, metadata map[string]interface{}) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current payment.Payment
		if err := tx.Clauses(forUpdate()).Where("id = ?", paymentID).First(&current).Error; err != nil {
			return translate(err)
		}
		return tx.Model(&payment.Payment{}).
			Where("id = ?", paymentID).
			Update("metadata", mergeMetadata(current.Metadata, metadata)).Error
	})
}

func snapshot(tx *gorm.DB, projectID int64) (ledger.FundsSnapshot, error) {
	var snap ledger.FundsSnapshot
	err := tx.Raw(fundsSnapshotSQL,
		projectID, string(donation.StatusCompleted),
		projectID, string(payout.StatusCompleted),
		projectID, string(payout.StatusProcessing),
		projectID, string(payout.StatusPending),
	).Scan(&snap).Error
	return snap, err
}

func (s *LedgerStore) FundsSnapshot(ctx context.Context, projectID int64) (ledger.FundsSnapshot, error) {
	return snapshot(s.db.WithContext(ctx), projectID)
}

// CreatePayout locks the project row, snapshots its funds and inserts what decide returns.
func (s *LedgerStore) CreatePayout(ctx context.Context, projectID int64, decide ledger.PayoutDecision) (*payout.Payout, error) {
	var created *payout.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p project.Project
		if err := tx.Clauses(forUpdate()).Where("id = ?", projectID).First(&p).Error; err != nil {
			return translate(err)
		}

		snap, err := snapshot(tx, projectID)
		if err != nil {
			return fmt.Errorf("funds snapshot: %w", err)
		}

		po, err := decide(&p, snap)
		if err != nil {
			return err
		}
		if err := tx.Create(po).Error; err != nil {
			return fmt.Errorf("insert payout: %w", translate(err))
		}
		created = po
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *LedgerStore) GetPayout(ctx context.Context, id string) (*payout.Payout, error) {
	var po payout.Payout
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&po).Error; err != nil {
		return nil, translate(err)
	}
	return &po, nil
}

func (s *LedgerStore) GetPayoutByTransferID(ctx context.Context, transferID string) (*payout.Payout, error) {
	var po payout.Payout
	if err := s.db.WithContext(ctx).Where("external_transfer_id = ?", transferID).First(&po).Error; err != nil {
		return nil, translate(err)
	}
	return &po, nil
}

// UpdatePayoutStatus applies t under a row lock.
func (s *LedgerStore) UpdatePayoutStatus(ctx context.Context, t ledger.PayoutTransition) (*payout.Payout, error) {
	if !t.From.CanTransitionTo(t.To) {
		return nil, fmt.Errorf("%w: payout %s -> %s", ledger.ErrIllegalTransition, t.From, t.To)
	}

	var updated payout.Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current payout.Payout
		if err := tx.Clauses(forUpdate()).Where("id = ?", t.PayoutID).First(&current).Error; err != nil {
			return translate(err)
		}
		if current.Status != t.From {
			return fmt.Errorf("%w: payout %s is %s, expected %s", ledger.ErrConflict, current.ID, current.Status, t.From)
		}
		if t.TransferID != "" && current.ExternalTransferID != nil && *current.ExternalTransferID != t.TransferID {
			return fmt.Errorf("%w: payout %s already bound to another transfer", ledger.ErrConflict, current.ID)
		}

		updates := map[string]interface{}{
			"status":     string(t.To),
			"updated_at": time.Now().UTC(),
		}
		if t.TransferID != "" {
			updates["external_transfer_id"] = t.TransferID
		}
		if t.FailureReason != "" {
			updates["failure_reason"] = t.FailureReason
		}
		if t.ProcessedAt != nil {
			updates["processed_at"] = *t.ProcessedAt
		}

		res := tx.Model(&payout.Payout{}).
			Where("id = ? AND status = ?", t.PayoutID, string(t.From)).
			Updates(updates)
		if res.Error != nil {
			return translate(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: payout %s changed concurrently", ledger.ErrConflict, t.PayoutID)
		}
		return tx.Where("id = ?", t.PayoutID).First(&updated).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
