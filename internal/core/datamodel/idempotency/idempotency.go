package idempotency

import "time"

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

type Record struct {
	Scope     string    `gorm:"column:scope;primaryKey;type:varchar(32)"`
	Key       string    `gorm:"column:idem_key;primaryKey;type:varchar(255)"`
	Status    Status    `gorm:"column:status;type:varchar(16);not null"`
	Result    string    `gorm:"column:result"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Record) TableName() string {
	return "idempotency_records"
}

func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
