package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/crowdfunding-payments/internal"
)

var _ = Describe("RateLimiter", func() {
	var (
		limiter *RateLimiter
		clock   time.Time
	)

	BeforeEach(func() {
		clock = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		limiter = NewRateLimiter(internal.RateLimitConfig{RequestsPerSecond: 2, Burst: 3})
		limiter.now = func() time.Time { return clock }
		limiter.lastSweep = clock
	})

	It("should allow a burst then refill at the configured rate", func() {
		for i := 0; i < 3; i++ {
			ok, _ := limiter.Allow("ip:1.2.3.4")
			Expect(ok).To(BeTrue())
		}
		ok, wait := limiter.Allow("ip:1.2.3.4")
		Expect(ok).To(BeFalse())
		Expect(wait).To(Equal(500 * time.Millisecond))

		clock = clock.Add(500 * time.Millisecond)
		ok, _ = limiter.Allow("ip:1.2.3.4")
		Expect(ok).To(BeTrue())
	})

	It("should keep callers independent", func() {
		for i := 0; i < 3; i++ {
			limiter.Allow("user:1")
		}
		ok, _ := limiter.Allow("user:1")
		Expect(ok).To(BeFalse())
		ok, _ = limiter.Allow("user:2")
		Expect(ok).To(BeTrue())
	})

	It("should forget idle callers", func() {
		limiter.Allow("user:1")
		clock = clock.Add(bucketIdleTTL + time.Minute)
		limiter.Allow("user:2")
		Expect(limiter.buckets).NotTo(HaveKey("user:1"))
	})

	It("should answer 429 with Retry-After", func() {
		handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/donations", nil)
		req = req.WithContext(internal.ContextWithUser(req.Context(), &internal.User{ID: 9}))

		codes := []int{}
		var last *httptest.ResponseRecorder
		for i := 0; i < 4; i++ {
			last = httptest.NewRecorder()
			handler.ServeHTTP(last, req)
			codes = append(codes, last.Code)
		}
		Expect(codes).To(Equal([]int{204, 204, 204, 429}))
		Expect(last.Header().Get("Retry-After")).To(Equal("1"))

		var body struct {
			Error map[string]interface{} `json:"error"`
		}
		Expect(json.Unmarshal(last.Body.Bytes(), &body)).To(Succeed())
		Expect(body.Error).To(HaveKeyWithValue("code", string(internal.ErrCodeRateLimited)))
		Expect(body.Error).To(HaveKeyWithValue("retryable", true))
	})

	It("should pass everything through when disabled", func() {
		off := NewRateLimiter(internal.RateLimitConfig{})
		next := http.NotFoundHandler()
		Expect(off.Middleware(next)).NotTo(BeNil())
		rec := httptest.NewRecorder()
		off.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})
})

var _ = Describe("filterSensitiveBody", func() {
	It("should mask card tokens and secrets but keep amounts", func() {
		out := filterSensitiveBody([]byte(`{"amount":5000,"payment_method_id":"tok_visa","billing_details":{"email":"a@b.c"},"client_secret":"pi_1_secret"}`))

		var got map[string]interface{}
		Expect(json.Unmarshal([]byte(out), &got)).To(Succeed())
		Expect(got).To(HaveKeyWithValue("amount", float64(5000)))
		Expect(got).To(HaveKeyWithValue("payment_method_id", "[FILTERED]"))
		Expect(got).To(HaveKeyWithValue("billing_details", "[FILTERED]"))
		Expect(got).To(HaveKeyWithValue("client_secret", "[FILTERED]"))
	})

	It("should mask signature headers", func() {
		headers := filterSensitiveHeaders(http.Header{
			"Signature":    {"t=1,v1=abc"},
			"Content-Type": {"application/json"},
		})
		Expect(headers).To(HaveKeyWithValue("Signature", "[FILTERED]"))
		Expect(headers).To(HaveKeyWithValue("Content-Type", "application/json"))
	})
})

var _ = Describe("RecoveryMiddleware", func() {
	It("should turn a panic into a 500 without leaking the panic value", func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		handler := RecoveryMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("db password is hunter2")
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		Expect(rec.Body.String()).NotTo(ContainSubstring("hunter2"))
	})
})

var _ = Describe("RequestID", func() {
	It("should echo an incoming trace id and mint one otherwise", func() {
		handler := RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(TraceHeader, "trace-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		Expect(rec.Header().Get(TraceHeader)).To(Equal("trace-1"))

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		Expect(rec.Header().Get(TraceHeader)).To(HaveLen(36))
	})
})
