package payment_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/payment"
	"github.com/frahmantamala/crowdfunding-payments/internal/paymentgateway"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport"
)

type stubService struct {
	donation *payment.DonationResponse
	refund   *payment.RefundResponse
	capture  *payment.CaptureResponse
	err      error

	gotUserID int64
	gotCreate payment.CreateDonationRequest
	gotRefund payment.RefundRequest
	gotID     string
}

func (s *stubService) CreateAndProcessDonation(_ context.Context, userID int64, req payment.CreateDonationRequest) (*payment.DonationResponse, error) {
	s.gotUserID, s.gotCreate = userID, req
	return s.donation, s.err
}

func (s *stubService) GetDonation(_ context.Context, userID int64, donationID string) (*payment.DonationResponse, error) {
	s.gotUserID, s.gotID = userID, donationID
	return s.donation, s.err
}

func (s *stubService) RefundPayment(_ context.Context, paymentID string, req payment.RefundRequest) (*payment.RefundResponse, error) {
	s.gotID, s.gotRefund = paymentID, req
	return s.refund, s.err
}

func (s *stubService) CapturePayment(_ context.Context, paymentID string, _ payment.CaptureRequest) (*payment.CaptureResponse, error) {
	s.gotID = paymentID
	return s.capture, s.err
}

type stubProcessor struct {
	err      error
	payloads []string
}

func (s *stubProcessor) HandleEvent(_ context.Context, payload []byte, _ string) error {
	s.payloads = append(s.payloads, string(payload))
	return s.err
}

func decodeError(rec *httptest.ResponseRecorder) map[string]interface{} {
	var body struct {
		Error map[string]interface{} `json:"error"`
	}
	Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
	return body.Error
}

var _ = Describe("Payment Handler", func() {
	var (
		service *stubService
		router  chi.Router
		user    *internal.User
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		service = &stubService{}
		user = &internal.User{ID: 42, Email: "donor@example.com"}
		h := payment.NewHandler(transport.NewBaseHandler(logger), service)

		router = chi.NewRouter()
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if user != nil {
					r = r.WithContext(internal.ContextWithUser(r.Context(), user))
				}
				next.ServeHTTP(w, r)
			})
		})
		router.Post("/donations", h.CreateDonation)
		router.Get("/donations/{donationID}", h.GetDonation)
		router.Post("/payments/{paymentID}/refund", h.RefundPayment)
		router.Post("/payments/{paymentID}/capture", h.CapturePayment)
	})

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	const donationBody = `{"project_id":1,"amount":5000,"currency":"USD","payment_method":"card","payment_method_id":"tok_success","idempotency_key":"abc123"}`

	It("should answer 201 for a new donation and 200 for a replay", func() {
		service.donation = &payment.DonationResponse{DonationID: "don-1", PaymentID: "pay-1", PaymentStatus: "COMPLETED"}
		rec := do(http.MethodPost, "/donations", donationBody)
		Expect(rec.Code).To(Equal(http.StatusCreated))
		Expect(service.gotUserID).To(Equal(int64(42)))
		Expect(service.gotCreate.IdempotencyKey).To(Equal("abc123"))

		var body map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body).To(HaveKeyWithValue("payment_id", "pay-1"))
		Expect(body).NotTo(HaveKey("Replayed"))

		service.donation.Replayed = true
		rec = do(http.MethodPost, "/donations", donationBody)
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("should require an authenticated donor", func() {
		user = nil
		rec := do(http.MethodPost, "/donations", donationBody)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("should reject unknown fields in the body", func() {
		rec := do(http.MethodPost, "/donations", `{"project_id":1,"surprise":true}`)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("should surface payment errors with their status and retry hint", func() {
		service.err = internal.NewPaymentError("busy", internal.ErrCodeRateLimited, http.StatusTooManyRequests, true)
		rec := do(http.MethodPost, "/donations", donationBody)
		Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
		errBody := decodeError(rec)
		Expect(errBody).To(HaveKeyWithValue("code", string(internal.ErrCodeRateLimited)))
		Expect(errBody).To(HaveKeyWithValue("retryable", true))
	})

	It("should not leak internal error details", func() {
		service.err = internal.NewInternalError("failed to record donation", context.DeadlineExceeded)
		rec := do(http.MethodPost, "/donations", donationBody)
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).NotTo(ContainSubstring("deadline"))
	})

	It("should pass the path id to donation lookups", func() {
		service.donation = &payment.DonationResponse{DonationID: "don-9"}
		rec := do(http.MethodGet, "/donations/don-9", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(service.gotID).To(Equal("don-9"))
	})

	It("should refund through the service", func() {
		service.refund = &payment.RefundResponse{PaymentID: "pay-1", RefundID: "re_1", PaymentStatus: "REFUNDED"}
		rec := do(http.MethodPost, "/payments/pay-1/refund", `{"reason":"duplicate","refund_amount":2000}`)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(service.gotID).To(Equal("pay-1"))
		Expect(*service.gotRefund.Amount).To(Equal(int64(2000)))
	})

	It("should accept a capture without a body", func() {
		service.capture = &payment.CaptureResponse{PaymentID: "pay-1", PaymentStatus: "PROCESSING"}
		req := httptest.NewRequest(http.MethodPost, "/payments/pay-1/capture", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusAccepted))
	})
})

var _ = Describe("Webhook Handler", func() {
	var (
		processor *stubProcessor
		handler   *payment.WebhookHandler
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		processor = &stubProcessor{}
		handler = payment.NewWebhookHandler(transport.NewBaseHandler(logger), processor)
	})

	post := func(body, signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
		if signature != "" {
			req.Header.Set(paymentgateway.SignatureHeader, signature)
		}
		rec := httptest.NewRecorder()
		handler.HandlePaymentWebhook(rec, req)
		return rec
	}

	It("should hand the raw body to the reconciler", func() {
		rec := post(`{"id":"evt_1"}`, "t=1,v1=abc")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(processor.payloads).To(Equal([]string{`{"id":"evt_1"}`}))
	})

	It("should refuse an unsigned delivery", func() {
		rec := post(`{"id":"evt_1"}`, "")
		Expect(rec.Code).To(Equal(http.StatusForbidden))
		Expect(processor.payloads).To(BeEmpty())
	})

	DescribeTable("should map reconciler errors to provider-facing statuses",
		func(err error, status int) {
			processor.err = err
			Expect(post(`{}`, "t=1,v1=abc").Code).To(Equal(status))
		},
		Entry("bad signature", internal.NewForbiddenError("invalid webhook signature", internal.ErrCodeSignatureInvalid), http.StatusForbidden),
		Entry("malformed", internal.NewValidationError("malformed webhook payload", internal.ErrCodeInvalidWebhook), http.StatusBadRequest),
		Entry("in progress", internal.ErrRequestInProgress, http.StatusConflict),
		Entry("internal", internal.NewInternalError("failed to process webhook", nil), http.StatusInternalServerError),
	)
})
