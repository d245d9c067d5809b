package paymentgateway

import (
	"context"
	"errors"
	"time"

	"github.com/frahmantamala/crowdfunding-payments/internal/metrics"
)

// Instrumented records a counter and latency sample for every call on the
// wrapped gateway.
type Instrumented struct {
	next    Gateway
	metrics *metrics.Metrics
}

// NewInstrumented records call counts and latency for every Gateway call.
func NewInstrumented(next Gateway, m *metrics.Metrics) *Instrumented {
	return &Instrumented{next: next, metrics: m}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, ErrSignatureInvalid) {
		return "signature_invalid"
	}
	if gwErr, ok := AsGatewayError(err); ok {
		if gwErr.Indeterminate {
			return "indeterminate"
		}
		return string(gwErr.Kind)
	}
	return "error"
}

func (g *Instrumented) observe(op string, start time.Time, err error) {
	g.metrics.ObserveGateway(op, outcome(err), time.Since(start))
}

func (g *Instrumented) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	start := time.Now()
	intent, err := g.next.CreatePaymentIntent(ctx, req)
	g.observe("create_payment_intent", start, err)
	return intent, err
}

func (g *Instrumented) Capture(ctx context.Context, intentID string, amount *int64) (IntentStatus, error) {
	start := time.Now()
	status, err := g.next.Capture(ctx, intentID, amount)
	g.observe("capture", start, err)
	return status, err
}

func (g *Instrumented) Refund(ctx context.Context, intentID string, amount *int64, reason string) (*Refund, error) {
	start := time.Now()
	rf, err := g.next.Refund(ctx, intentID, amount, reason)
	g.observe("refund", start, err)
	return rf, err
}

func (g *Instrumented) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	start := time.Now()
	tr, err := g.next.CreateTransfer(ctx, req)
	g.observe("create_transfer", start, err)
	return tr, err
}

func (g *Instrumented) VerifyWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	start := time.Now()
	ev, err := g.next.VerifyWebhook(ctx, payload, signature)
	g.observe("verify_webhook", start, err)
	return ev, err
}
