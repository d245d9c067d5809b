package paymentgateway

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventPaymentSucceeded  EventType = "payment_intent.succeeded"
	EventPaymentFailed     EventType = "payment_intent.payment_failed"
	EventPaymentProcessing EventType = "payment_intent.processing"
	EventPaymentCanceled   EventType = "payment_intent.canceled"
	EventChargeRefunded    EventType = "charge.refunded"
	EventDisputeCreated    EventType = "charge.dispute.created"
	EventDisputeClosed     EventType = "charge.dispute.closed"
	EventTransferPaid      EventType = "transfer.paid"
	EventTransferFailed    EventType = "transfer.failed"
)

const (
	DisputeWon  = "won"
	DisputeLost = "lost"
)

// Event is the processor notification envelope delivered to the webhook endpoint.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	Created int64     `json:"created"`
	Data    EventData `json:"data"`
}

type EventData struct {
	Object EventObject `json:"object"`
}

type EventObject struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent,omitempty"`
	Amount         int64             `json:"amount,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	Fee            int64             `json:"fee,omitempty"`
	AmountRefunded int64             `json:"amount_refunded,omitempty"`
	Status         string            `json:"status,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TransactionID is the payment intent an event refers to. Refund and dispute
// objects carry it separately from their own id.
func (o EventObject) TransactionID() string {
	if o.PaymentIntent != "" {
		return o.PaymentIntent
	}
	return o.ID
}

func (e *Event) Object() EventObject {
	return e.Data.Object
}

func (e *Event) IsTransferEvent() bool {
	return e.Type == EventTransferPaid || e.Type == EventTransferFailed
}

// ParseEvent decodes a normalized event body.
func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Type == "" || ev.Data.Object.ID == "" {
		return nil, fmt.Errorf("%w: id, type and data.object.id are required", ErrMalformedEvent)
	}
	return &ev, nil
}

func NewEvent(id string, typ EventType, obj EventObject, at time.Time) *Event {
	return &Event{
		ID:      id,
		Type:    typ,
		Created: at.Unix(),
		Data:    EventData{Object: obj},
	}
}
