package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns every collector the service exports. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPLatency        *prometheus.HistogramVec
	GatewayRequests    *prometheus.CounterVec
	GatewayLatency     *prometheus.HistogramVec
	PaymentTransitions *prometheus.CounterVec
	WebhookEvents      *prometheus.CounterVec
	Payouts            *prometheus.CounterVec
	IdempotencyReplays *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_requests_latency_seconds",
				Help:    "Latency of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		GatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_gateway_requests_total",
				Help: "Payment processor calls by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		GatewayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payment_gateway_latency_seconds",
				Help:    "Latency of payment processor calls.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		PaymentTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_transitions_total",
				Help: "Payment status transitions applied to the ledger.",
			},
			[]string{"source", "to"},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_events_total",
				Help: "Webhook events received by type and outcome.",
			},
			[]string{"type", "outcome"},
		),
		Payouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payouts_total",
				Help: "Payout status changes.",
			},
			[]string{"status"},
		),
		IdempotencyReplays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idempotency_replays_total",
				Help: "Requests answered from a completed idempotency record.",
			},
			[]string{"scope"},
		),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.HTTPLatency,
		m.GatewayRequests,
		m.GatewayLatency,
		m.PaymentTransitions,
		m.WebhookEvents,
		m.Payouts,
		m.IdempotencyReplays,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route string, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPLatency.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveGateway(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(operation, outcome).Inc()
	m.GatewayLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) PaymentTransition(source, to string) {
	if m == nil {
		return
	}
	m.PaymentTransitions.WithLabelValues(source, to).Inc()
}

func (m *Metrics) WebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) Payout(status string) {
	if m == nil {
		return
	}
	m.Payouts.WithLabelValues(status).Inc()
}

func (m *Metrics) IdempotencyReplay(scope string) {
	if m == nil {
		return
	}
	m.IdempotencyReplays.WithLabelValues(scope).Inc()
}
