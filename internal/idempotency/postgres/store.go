package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	idempotencyDatamodel "github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/idempotency"
	"github.com/frahmantamala/crowdfunding-payments/internal/idempotency"
)

// reserveAttempts bounds the loop when a competing caller releases the key
// between our insert and read.
const reserveAttempts = 3

type Store struct {
	db *gorm.DB
}

// NewStore keeps idempotency records in the idempotency_records table.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Reserve inserts an IN_PROGRESS record, taking over one whose lease or TTL has run out.
func (s *Store) Reserve(ctx context.Context, scope, key string, now, leaseUntil time.Time) (idempotency.Reservation, error) {
	db := s.db.WithContext(ctx)
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		rec := idempotencyDatamodel.Record{
			Scope:     scope,
			Key:       key,
			Status:    idempotencyDatamodel.StatusInProgress,
			ExpiresAt: leaseUntil,
			CreatedAt: now,
		}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if res.Error != nil {
			return idempotency.Reservation{}, fmt.Errorf("insert idempotency record: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return idempotency.Reservation{New: true}, nil
		}

		res = db.Model(&idempotencyDatamodel.Record{}).
			Where("scope = ? AND idem_key = ? AND expires_at <= ?", scope, key, now).
			Updates(map[string]interface{}{
				"status":     string(idempotencyDatamodel.StatusInProgress),
				"result":     "",
				"expires_at": leaseUntil,
				"created_at": now,
			})
		if res.Error != nil {
			return idempotency.Reservation{}, fmt.Errorf("take over expired idempotency record: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return idempotency.Reservation{New: true}, nil
		}

		var existing idempotencyDatamodel.Record
		err := db.Where("scope = ? AND idem_key = ?", scope, key).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return idempotency.Reservation{}, fmt.Errorf("read idempotency record: %w", err)
		}
		if existing.Status == idempotencyDatamodel.StatusCompleted {
			return idempotency.Reservation{Result: existing.Result}, nil
		}
		return idempotency.Reservation{}, idempotency.ErrInProgress
	}
	return idempotency.Reservation{}, idempotency.ErrInProgress
}

func (s *Store) Complete(ctx context.Context, scope, key, result string, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&idempotencyDatamodel.Record{}).
		Where("scope = ? AND idem_key = ?", scope, key).
		Updates(map[string]interface{}{
			"status":     string(idempotencyDatamodel.StatusCompleted),
			"result":     result,
			"expires_at": expiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("idempotency record %s/%s not found", scope, key)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, scope, key string) error {
	return s.db.WithContext(ctx).
		Where("scope = ? AND idem_key = ?", scope, key).
		Delete(&idempotencyDatamodel.Record{}).Error
}

// PurgeExpired deletes records whose lease or TTL ended before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&idempotencyDatamodel.Record{})
	return res.RowsAffected, res.Error
}
