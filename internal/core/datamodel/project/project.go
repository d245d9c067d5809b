package project

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusActive    Status = "ACTIVE"
	StatusFunded    Status = "FUNDED"
	StatusClosed    Status = "CLOSED"
	StatusCancelled Status = "CANCELLED"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusDraft, StatusActive, StatusFunded, StatusClosed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown project status %q", s)
	}
}

type Project struct {
	ID              int64     `gorm:"column:id;primaryKey"`
	CreatorID       int64     `gorm:"column:creator_id;not null;index"`
	Title           string    `gorm:"column:title;not null"`
	Status          Status    `gorm:"column:status;type:varchar(16);not null"`
	Currency        string    `gorm:"column:currency;type:varchar(3);not null"`
	GoalAmount      int64     `gorm:"column:goal_amount;not null;default:0"`
	PayoutAccountID *string   `gorm:"column:payout_account_id"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Project) TableName() string {
	return "projects"
}

func (p *Project) AcceptsDonations() bool {
	return p.Status == StatusActive
}

func (p *Project) AcceptsPayouts() bool {
	return p.Status == StatusActive || p.Status == StatusFunded
}

type Reward struct {
	ID                int64     `gorm:"column:id;primaryKey"`
	ProjectID         int64     `gorm:"column:project_id;not null;index"`
	Title             string    `gorm:"column:title;not null"`
	MinimumAmount     int64     `gorm:"column:minimum_amount;not null"`
	QuantityAvailable *int      `gorm:"column:quantity_available"`
	QuantityClaimed   int       `gorm:"column:quantity_claimed;not null;default:0"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Reward) TableName() string {
	return "rewards"
}

// HasStock is false once every limited slot is claimed. A nil quantity means unlimited.
func (r *Reward) HasStock() bool {
	return r.QuantityAvailable == nil || r.QuantityClaimed < *r.QuantityAvailable
}
