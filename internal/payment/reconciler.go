package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/donation"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/crowdfunding-payments/internal/core/events"
	"github.com/frahmantamala/crowdfunding-payments/internal/idempotency"
	"github.com/frahmantamala/crowdfunding-payments/internal/ledger"
	"github.com/frahmantamala/crowdfunding-payments/internal/metrics"
	"github.com/frahmantamala/crowdfunding-payments/internal/paymentgateway"
)

const sourceWebhook = "webhook"

// Webhook outcomes, stored as the idempotency result and used as a metric label.
const (
	OutcomeApplied   = "applied"
	OutcomeIgnored   = "ignored"
	OutcomeUnmatched = "unmatched"
	OutcomeUnhandled = "unhandled"
	OutcomeDuplicate = "duplicate"
)

type transitionRule struct {
	from     []payment.Status
	to       payment.Status
	donation donation.Status
	release  bool
}

var intentRules = map[paymentgateway.EventType]transitionRule{
	paymentgateway.EventPaymentSucceeded: {
		from:     []payment.Status{payment.StatusPending, payment.StatusProcessing},
		to:       payment.StatusCompleted,
		donation: donation.StatusCompleted,
	},
	paymentgateway.EventPaymentFailed: {
		from:     []payment.Status{payment.StatusPending, payment.StatusProcessing},
		to:       payment.StatusFailed,
		donation: donation.StatusFailed,
		release:  true,
	},
	paymentgateway.EventPaymentProcessing: {
		from: []payment.Status{payment.StatusPending},
		to:   payment.StatusProcessing,
	},
	paymentgateway.EventPaymentCanceled: {
		from:     []payment.Status{payment.StatusPending, payment.StatusProcessing},
		to:       payment.StatusCancelled,
		donation: donation.StatusFailed,
		release:  true,
	},
	paymentgateway.EventDisputeCreated: {
		from: []payment.Status{payment.StatusCompleted},
		to:   payment.StatusDisputed,
	},
}

// refundableStatuses are the payment states a charge.refunded event applies to.
var refundableStatuses = transitionRule{from: []payment.Status{payment.StatusCompleted, payment.StatusDisputed}}

func ruleFor(ev *paymentgateway.Event) (transitionRule, bool) {
	if ev.Type == paymentgateway.EventChargeRefunded {
		return refundableStatuses, true
	}
	if ev.Type != paymentgateway.EventDisputeClosed {
		rule, ok := intentRules[ev.Type]
		return rule, ok
	}
	from := []payment.Status{payment.StatusDisputed}
	switch ev.Object().Status {
	case paymentgateway.DisputeWon:
		return transitionRule{from: from, to: payment.StatusCompleted}, true
	case paymentgateway.DisputeLost:
		return transitionRule{from: from, to: payment.StatusRefunded, donation: donation.StatusRefunded}, true
	}
	return transitionRule{}, false
}

func (r transitionRule) allows(status payment.Status) bool {
	for _, s := range r.from {
		if s == status {
			return true
		}
	}
	return false
}

// Reconciler applies authenticated processor events to the ledger exactly once.
type Reconciler struct {
	ledger    ledger.PaymentStore
	guard     Guard
	gateway   paymentgateway.Gateway
	transfers TransferEventHandler
	publisher events.Publisher
	metrics   *metrics.Metrics
	timeout   time.Duration
	logger    *slog.Logger
}

// NewReconciler builds a reconciler. transfers may be nil when payouts are not wired.
func NewReconciler(
	store ledger.PaymentStore,
	guard Guard,
	gateway paymentgateway.Gateway,
	transfers TransferEventHandler,
	publisher events.Publisher,
	m *metrics.Metrics,
	timeout time.Duration,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		ledger:    store,
		guard:     guard,
		gateway:   gateway,
		transfers: transfers,
		publisher: publisher,
		metrics:   m,
		timeout:   timeout,
		logger:    logger,
	}
}

// HandleEvent verifies, deduplicates and applies one webhook delivery. A nil
// error means the provider should consider the event delivered.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string) error {
	ev, err := r.gateway.VerifyWebhook(ctx, payload, signature)
	switch {
	case errors.Is(err, paymentgateway.ErrSignatureInvalid):
		r.metrics.WebhookEvent("unknown", "signature_invalid")
		r.logger.Warn("webhook signature rejected", "error", err)
		return internal.NewForbiddenError("invalid webhook signature", internal.ErrCodeSignatureInvalid)
	case errors.Is(err, paymentgateway.ErrMalformedEvent):
		r.metrics.WebhookEvent("unknown", "malformed")
		r.logger.Warn("malformed webhook payload", "error", err)
		return internal.NewValidationError("malformed webhook payload", internal.ErrCodeInvalidWebhook)
	case err != nil:
		r.logger.Error("failed to verify webhook", "error", err)
		return internal.NewInternalError("failed to verify webhook", err)
	}

	log := r.logger.With("event_id", ev.ID, "event_type", ev.Type)

	res, err := r.guard.Reserve(ctx, idempotency.ScopeWebhook, ev.ID)
	if inProgress(err) {
		log.Info("webhook event is being processed elsewhere")
		return internal.ErrRequestInProgress
	}
	if err != nil {
		return internal.NewInternalError("failed to reserve webhook event", err)
	}
	if !res.New {
		r.metrics.WebhookEvent(string(ev.Type), OutcomeDuplicate)
		r.metrics.IdempotencyReplay(idempotency.ScopeWebhook)
		log.Info("duplicate webhook event ignored", "previous_outcome", res.Result)
		return nil
	}

	workCtx, cancel := internal.Detached(ctx, r.timeout)
	defer cancel()

	outcome, err := r.dispatch(workCtx, ev)
	if err != nil {
		r.guard.Release(workCtx, idempotency.ScopeWebhook, ev.ID)
		r.metrics.WebhookEvent(string(ev.Type), "error")
		log.Error("failed to apply webhook event", "error", err)
		return internal.NewInternalError("failed to process webhook", err)
	}

	if err := r.guard.Complete(workCtx, idempotency.ScopeWebhook, ev.ID, outcome); err != nil {
		log.Warn("webhook applied but idempotency result not stored", "outcome", outcome, "error", err)
	}
	r.metrics.WebhookEvent(string(ev.Type), outcome)
	log.Info("webhook event processed", "outcome", outcome)
	return nil
}

func (r *Reconciler) dispatch(ctx context.Context, ev *paymentgateway.Event) (string, error) {
	if ev.IsTransferEvent() {
		if r.transfers == nil {
			return OutcomeIgnored, nil
		}
		if err := r.transfers.HandleTransferEvent(ctx, ev); err != nil {
			return "", err
		}
		return OutcomeApplied, nil
	}

	rule, ok := ruleFor(ev)
	if !ok {
		r.logger.Info("unhandled webhook event type", "event_id", ev.ID, "event_type", ev.Type)
		return OutcomeUnhandled, nil
	}

	obj := ev.Object()
	p, err := r.findPayment(ctx, obj)
	if errors.Is(err, ledger.ErrNotFound) {
		r.logger.Warn("webhook event for unknown payment", "event_id", ev.ID, "transaction_id", obj.TransactionID())
		return OutcomeUnmatched, nil
	}
	if err != nil {
		return "", err
	}

	log := r.logger.With("event_id", ev.ID, "event_type", ev.Type, "payment_id", p.ID)
	if !rule.allows(p.Status) {
		log.Info("webhook precondition not met, skipping", "status", p.Status, "target", rule.to)
		return OutcomeIgnored, nil
	}
	if ev.Type == paymentgateway.EventChargeRefunded {
		return r.applyRefund(ctx, log, obj, p)
	}

	t := ledger.PaymentTransition{
		PaymentID:     p.ID,
		From:          p.Status,
		To:            rule.to,
		Donation:      rule.donation,
		ReleaseReward: rule.release,
	}
	r.fillTransition(&t, ev, p)

	updated, err := r.ledger.UpdatePaymentStatus(ctx, t)
	if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrIllegalTransition) {
		log.Info("webhook lost the race for payment", "error", err)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	r.metrics.PaymentTransition(sourceWebhook, string(updated.Status))
	d, err := r.ledger.GetDonation(ctx, updated.DonationID)
	if err != nil {
		log.Warn("payment updated but donation could not be loaded for notification", "error", err)
	} else {
		publishTransition(ctx, r.publisher, r.logger, d, updated, t.From, t.FailureReason)
	}

	log.Info("payment reconciled", "from", t.From, "to", updated.Status)
	return OutcomeApplied, nil
}

func (r *Reconciler) fillTransition(t *ledger.PaymentTransition, ev *paymentgateway.Event, p *payment.Payment) {
	obj := ev.Object()
	switch ev.Type {
	case paymentgateway.EventPaymentSucceeded:
		t.TransactionID = obj.TransactionID()
		net := p.Amount - obj.Fee
		if obj.Fee > 0 {
			fee := obj.Fee
			t.FeeAmount = &fee
		}
		t.NetAmount = &net
	case paymentgateway.EventPaymentFailed, paymentgateway.EventPaymentCanceled:
		t.TransactionID = obj.TransactionID()
		t.FailureReason = obj.FailureReason
		if t.FailureReason == "" {
			t.FailureReason = string(ev.Type)
		}
	case paymentgateway.EventPaymentProcessing:
		t.TransactionID = obj.TransactionID()
	case paymentgateway.EventDisputeCreated, paymentgateway.EventDisputeClosed:
		t.Metadata = map[string]interface{}{"dispute_id": obj.ID, "dispute_status": obj.Status}
		if ev.Type == paymentgateway.EventDisputeClosed && t.To == payment.StatusRefunded {
			t.RefundedAmount = &p.Amount
		}
	}
}

// applyRefund records the charge's cumulative refunded amount. Only a refund
// that empties the payment changes its status.
func (r *Reconciler) applyRefund(ctx context.Context, log *slog.Logger, obj paymentgateway.EventObject, p *payment.Payment) (string, error) {
	total := obj.AmountRefunded
	if total <= 0 {
		total = p.RefundedAmount + obj.Amount
		if obj.Amount <= 0 {
			total = p.Amount
		}
	}
	if total > p.Amount {
		total = p.Amount
	}
	u := ledger.RefundUpdate{PaymentID: p.ID, RefundedTotal: total}
	if obj.ID != obj.TransactionID() {
		u.Metadata = map[string]interface{}{payment.MetaRefundID: obj.ID}
	}

	updated, err := r.ledger.ApplyRefund(ctx, u)
	if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrIllegalTransition) {
		log.Info("refund already recorded", "refunded_amount", p.RefundedAmount, "event_total", total, "error", err)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}

	if updated.Status != p.Status {
		r.metrics.PaymentTransition(sourceWebhook, string(updated.Status))
		if d, err := r.ledger.GetDonation(ctx, updated.DonationID); err != nil {
			log.Warn("payment refunded but donation could not be loaded for notification", "error", err)
		} else {
			publishTransition(ctx, r.publisher, r.logger, d, updated, p.Status, "")
		}
	}
	log.Info("refund reconciled", "status", updated.Status, "refunded_amount", updated.RefundedAmount)
	return OutcomeApplied, nil
}

// findPayment matches by processor transaction id, then by the payment id we sent
// as metadata. The latter covers payments whose intent call timed out.
func (r *Reconciler) findPayment(ctx context.Context, obj paymentgateway.EventObject) (*payment.Payment, error) {
	p, err := r.ledger.GetPaymentByTransactionID(ctx, obj.TransactionID())
	if err == nil || !errors.Is(err, ledger.ErrNotFound) {
		return p, err
	}
	id := obj.Metadata[payment.MetaPaymentID]
	if id == "" {
		return nil, err
	}
	return r.ledger.GetPayment(ctx, id)
}
