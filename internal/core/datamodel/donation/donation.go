package donation

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusRefunded},
}

// ParseStatus rejects anything that is not a known donation status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusCompleted, StatusFailed, StatusRefunded:
		return st, nil
	default:
		return "", fmt.Errorf("unknown donation status %q", s)
	}
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// Donation rows are never deleted. FAILED rows stay for audit and drop out of the
// idempotency uniqueness index so a retried request can be recorded.
type Donation struct {
	ID             string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	UserID         int64     `gorm:"column:user_id;not null;uniqueIndex:idx_donations_idempotency,where:status <> 'FAILED'"`
	ProjectID      int64     `gorm:"column:project_id;not null;index;uniqueIndex:idx_donations_idempotency"`
	Amount         int64     `gorm:"column:amount;not null;uniqueIndex:idx_donations_idempotency"`
	Currency       string    `gorm:"column:currency;type:varchar(3);not null"`
	RewardID       *int64    `gorm:"column:reward_id"`
	Status         Status    `gorm:"column:status;type:varchar(16);not null;index"`
	IdempotencyKey string    `gorm:"column:idempotency_key;not null;uniqueIndex:idx_donations_idempotency"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Donation) TableName() string {
	return "donations"
}
