package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentProcessing = "payment.processing"
	EventTypePaymentCompleted  = "payment.completed"
	EventTypePaymentFailed     = "payment.failed"
	EventTypePaymentCancelled  = "payment.cancelled"
	EventTypePaymentRefunded   = "payment.refunded"
	EventTypePaymentDisputed   = "payment.disputed"

	EventTypePayoutProcessing = "payout.processing"
	EventTypePayoutCompleted  = "payout.completed"
	EventTypePayoutFailed     = "payout.failed"
)

// PaymentEventTypes lists every payment event a subscriber may care about.
var PaymentEventTypes = []string{
	EventTypePaymentProcessing,
	EventTypePaymentCompleted,
	EventTypePaymentFailed,
	EventTypePaymentCancelled,
	EventTypePaymentRefunded,
	EventTypePaymentDisputed,
}

var PayoutEventTypes = []string{
	EventTypePayoutProcessing,
	EventTypePayoutCompleted,
	EventTypePayoutFailed,
}

// PaymentTransitionedEvent is published once per applied payment status change.
type PaymentTransitionedEvent struct {
	BaseEvent
	PaymentID  string `json:"payment_id"`
	DonationID string `json:"donation_id"`
	UserID     int64  `json:"user_id"`
	ProjectID  int64  `json:"project_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Reason     string `json:"reason,omitempty"`
}

type PaymentTransition struct {
	PaymentID  string
	DonationID string
	UserID     int64
	ProjectID  int64
	Amount     int64
	Currency   string
	From       string
	To         string
	Reason     string
}

func NewPaymentTransitionedEvent(t PaymentTransition) *PaymentTransitionedEvent {
	return &PaymentTransitionedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      "payment." + strings.ToLower(t.To),
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payment_id":  t.PaymentID,
				"donation_id": t.DonationID,
				"user_id":     t.UserID,
				"project_id":  t.ProjectID,
				"amount":      t.Amount,
				"currency":    t.Currency,
				"from_status": t.From,
				"to_status":   t.To,
				"reason":      t.Reason,
			},
		},
		PaymentID:  t.PaymentID,
		DonationID: t.DonationID,
		UserID:     t.UserID,
		ProjectID:  t.ProjectID,
		Amount:     t.Amount,
		Currency:   t.Currency,
		FromStatus: t.From,
		ToStatus:   t.To,
		Reason:     t.Reason,
	}
}

type PayoutTransitionedEvent struct {
	BaseEvent
	PayoutID   string `json:"payout_id"`
	ProjectID  int64  `json:"project_id"`
	UserID     int64  `json:"user_id"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	ToStatus   string `json:"to_status"`
	TransferID string `json:"transfer_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func NewPayoutTransitionedEvent(payoutID string, projectID, userID, amount int64, currency, status, transferID, reason string) *PayoutTransitionedEvent {
	return &PayoutTransitionedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      "payout." + strings.ToLower(status),
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"payout_id":   payoutID,
				"project_id":  projectID,
				"user_id":     userID,
				"amount":      amount,
				"currency":    currency,
				"to_status":   status,
				"transfer_id": transferID,
				"reason":      reason,
			},
		},
		PayoutID:   payoutID,
		ProjectID:  projectID,
		UserID:     userID,
		Amount:     amount,
		Currency:   currency,
		ToStatus:   status,
		TransferID: transferID,
		Reason:     reason,
	}
}
