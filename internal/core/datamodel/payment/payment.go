package payment

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
	StatusDisputed   Status = "DISPUTED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusRefunded, StatusDisputed},
	StatusDisputed:   {StatusCompleted, StatusRefunded},
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
		StatusCancelled, StatusRefunded, StatusDisputed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown payment status %q", s)
	}
}

// CanTransitionTo reports whether next is reachable from s in one step.
// Nothing ever leads back to PENDING.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) String() string {
	return string(s)
}

type Method string

const (
	MethodCard         Method = "card"
	MethodBankTransfer Method = "bank_transfer"
	MethodWallet       Method = "wallet"
	MethodPromptPay    Method = "promptpay"
)

func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case MethodCard, MethodBankTransfer, MethodWallet, MethodPromptPay:
		return m, nil
	default:
		return "", fmt.Errorf("unknown payment method %q", s)
	}
}

// Metadata keys shared with the processor.
const (
	MetaPaymentID  = "payment_id"
	MetaDonationID = "donation_id"
	MetaProjectID  = "project_id"
	MetaRefundID   = "refund_id"
	MetaRefundNote = "refund_reason"
)

type Payment struct {
	ID                    string            `gorm:"column:id;primaryKey;type:varchar(36)"`
	DonationID            string            `gorm:"column:donation_id;type:varchar(36);not null;uniqueIndex"`
	Amount                int64             `gorm:"column:amount;not null"`
	Currency              string            `gorm:"column:currency;type:varchar(3);not null"`
	Method                Method            `gorm:"column:method;type:varchar(32);not null"`
	Status                Status            `gorm:"column:status;type:varchar(16);not null;index"`
	ExternalTransactionID *string           `gorm:"column:external_transaction_id;uniqueIndex"`
	FeeAmount             int64             `gorm:"column:fee_amount;not null;default:0"`
	NetAmount             int64             `gorm:"column:net_amount;not null;default:0"`
	RefundedAmount        int64             `gorm:"column:refunded_amount;not null;default:0"`
	FailureReason         *string           `gorm:"column:failure_reason"`
	Metadata              datatypes.JSONMap `gorm:"column:metadata"`
	CreatedAt             time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Payment) TableName() string {
	return "payments"
}

func (p *Payment) TransactionID() string {
	if p.ExternalTransactionID == nil {
		return ""
	}
	return *p.ExternalTransactionID
}
