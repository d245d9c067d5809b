package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"

	"github.com/frahmantamala/crowdfunding-payments/internal/auth"
	"github.com/frahmantamala/crowdfunding-payments/internal/metrics"
	"github.com/frahmantamala/crowdfunding-payments/internal/payment"
	"github.com/frahmantamala/crowdfunding-payments/internal/payout"
	"github.com/frahmantamala/crowdfunding-payments/internal/project"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport/middleware"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport/swagger"
)

// Handlers groups everything the router mounts. Nil handlers are skipped.
type Handlers struct {
	Auth        *auth.Handler
	RBAC        *auth.RBACAuthorization
	Payment     *payment.Handler
	Webhook     *payment.WebhookHandler
	Payout      *payout.Handler
	Project     *project.Handler
	Health      *HealthHandler
	Metrics     *metrics.Metrics
	MetricsPath string
	Limiter     *middleware.RateLimiter
	OpenAPI     []byte
	Origins     []string
	LogRequests bool
}

func RegisterAllRoutes(router chi.Router, h Handlers, logger *slog.Logger) {
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.Origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.TraceHeader},
		ExposedHeaders:   []string{middleware.TraceHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.Metrics(h.Metrics))
	if h.LogRequests {
		router.Use(middleware.LoggingMiddleware(logger))
	}

	if h.OpenAPI != nil {
		router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(h.OpenAPI)
		})
		router.Handle("/swagger/*", swagger.Handler())
	}
	if h.Metrics != nil {
		path := h.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, h.Metrics.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		if h.Health != nil {
			r.Get("/health", h.Health.healthCheckHandler)
			r.Get("/ping", h.Health.pingHandler)
		}

		// the processor authenticates itself with the payload signature
		if h.Webhook != nil {
			r.Post("/webhooks/payments", h.Webhook.HandlePaymentWebhook)
		}

		if h.Project != nil {
			r.Get("/projects/{projectID}", h.Project.GetProject)
		}

		if h.Auth == nil {
			return
		}

		r.Group(func(pr chi.Router) {
			pr.Use(h.Auth.AuthMiddleware)
			if h.Limiter != nil {
				pr.Use(h.Limiter.Middleware)
			}

			if h.Payment != nil {
				pr.Post("/donations", h.Payment.CreateDonation)
				pr.Get("/donations/{donationID}", h.Payment.GetDonation)

				if h.RBAC != nil {
					pr.With(h.RBAC.RequireRefund()).Post("/payments/{paymentID}/refund", h.Payment.RefundPayment)
					pr.With(h.RBAC.RequireCapture()).Post("/payments/{paymentID}/capture", h.Payment.CapturePayment)
				}
			}

			if h.Payout != nil {
				pr.Post("/projects/{projectID}/payouts", h.Payout.RequestPayout)
				pr.Get("/projects/{projectID}/funds", h.Payout.GetFunds)
			}
		})
	})
}
