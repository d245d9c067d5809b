package testutil

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/donation"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/idempotency"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payout"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/project"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/user"
)

// OpenSQLite returns a migrated in-memory database. A single connection keeps
// every session on the same memory database and serializes transactions.
func OpenSQLite() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&project.Project{},
		&project.Reward{},
		&donation.Donation{},
		&payment.Payment{},
		&payout.Payout{},
		&idempotency.Record{},
		&user.User{},
		&user.Permission{},
		&user.UserPermission{},
	)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func Int(v int) *int { return &v }

func Int64(v int64) *int64 { return &v }

func String(v string) *string { return &v }
