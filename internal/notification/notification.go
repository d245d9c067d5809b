package notification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/crowdfunding-payments/internal/core/events"
)

const (
	TemplateDonationConfirmation = "donation_confirmation"
	TemplateDonationFailed       = "donation_failed"
	TemplateDonationRefunded     = "donation_refunded"
	TemplatePaymentDisputed      = "payment_disputed"
	TemplatePayoutStatus         = "payout_status"
)

type Message struct {
	UserID   int64
	Template string
	Subject  string
	Data     map[string]interface{}
}

// Sender delivers a message to a user. Delivery is best effort.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of sending email.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("notification sent",
		"user_id", msg.UserID,
		"template", msg.Template,
		"subject", msg.Subject)
	return nil
}

var paymentTemplates = map[string]struct {
	template string
	subject  string
}{
	events.EventTypePaymentCompleted: {TemplateDonationConfirmation, "Thank you for your donation"},
	events.EventTypePaymentFailed:    {TemplateDonationFailed, "Your donation could not be processed"},
	events.EventTypePaymentCancelled: {TemplateDonationFailed, "Your donation was cancelled"},
	events.EventTypePaymentRefunded:  {TemplateDonationRefunded, "Your donation has been refunded"},
	events.EventTypePaymentDisputed:  {TemplatePaymentDisputed, "A payment on your donation was disputed"},
}

type EventHandler struct {
	sender Sender
	logger *slog.Logger
}

func NewEventHandler(sender Sender, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		sender: sender,
		logger: logger,
	}
}

func (h *EventHandler) HandlePaymentEvent(ctx context.Context, event events.Event) error {
	ev, ok := event.(*events.PaymentTransitionedEvent)
	if !ok {
		h.logger.Error("invalid event type for payment notification handler", "event_type", event.EventType())
		return fmt.Errorf("expected PaymentTransitionedEvent, got %T", event)
	}

	tpl, ok := paymentTemplates[ev.EventType()]
	if !ok {
		return nil
	}

	return h.sender.Send(ctx, Message{
		UserID:   ev.UserID,
		Template: tpl.template,
		Subject:  tpl.subject,
		Data: map[string]interface{}{
			"donation_id": ev.DonationID,
			"payment_id":  ev.PaymentID,
			"project_id":  ev.ProjectID,
			"amount":      ev.Amount,
			"currency":    ev.Currency,
			"reason":      ev.Reason,
		},
	})
}

func (h *EventHandler) HandlePayoutEvent(ctx context.Context, event events.Event) error {
	ev, ok := event.(*events.PayoutTransitionedEvent)
	if !ok {
		h.logger.Error("invalid event type for payout notification handler", "event_type", event.EventType())
		return fmt.Errorf("expected PayoutTransitionedEvent, got %T", event)
	}

	return h.sender.Send(ctx, Message{
		UserID:   ev.UserID,
		Template: TemplatePayoutStatus,
		Subject:  fmt.Sprintf("Payout %s", ev.ToStatus),
		Data: map[string]interface{}{
			"payout_id":   ev.PayoutID,
			"project_id":  ev.ProjectID,
			"amount":      ev.Amount,
			"currency":    ev.Currency,
			"status":      ev.ToStatus,
			"transfer_id": ev.TransferID,
			"reason":      ev.Reason,
		},
	})
}

func (h *EventHandler) RegisterEventHandlers(eventBus *events.EventBus) {
	for _, t := range events.PaymentEventTypes {
		eventBus.Subscribe(t, h.HandlePaymentEvent)
	}
	for _, t := range events.PayoutEventTypes {
		eventBus.Subscribe(t, h.HandlePayoutEvent)
	}

	h.logger.Info("notification event handlers registered",
		"payment_events", len(events.PaymentEventTypes),
		"payout_events", len(events.PayoutEventTypes))
}
