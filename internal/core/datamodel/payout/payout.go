package payout

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown payout status %q", s)
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

type Payout struct {
	ID                 string     `gorm:"column:id;primaryKey;type:varchar(36)"`
	ProjectID          int64      `gorm:"column:project_id;not null;index"`
	UserID             int64      `gorm:"column:user_id;not null"`
	Amount             int64      `gorm:"column:amount;not null"`
	FeeAmount          int64      `gorm:"column:fee_amount;not null;default:0"`
	Currency           string     `gorm:"column:currency;type:varchar(3);not null"`
	Status             Status     `gorm:"column:status;type:varchar(16);not null;index"`
	ExternalTransferID *string    `gorm:"column:external_transfer_id;uniqueIndex"`
	FailureReason      *string    `gorm:"column:failure_reason"`
	ProcessedAt        *time.Time `gorm:"column:processed_at"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Payout) TableName() string {
	return "payouts"
}

// TransferAmount is what actually leaves the platform account.
func (p *Payout) TransferAmount() int64 {
	return p.Amount - p.FeeAmount
}
