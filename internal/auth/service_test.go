package auth_test

import (
	"context"
	"crypto/rsa"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/auth"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport"
)

var _ = ginkgo.Describe("JWTTokenGenerator", func() {
	var (
		key       *rsa.PrivateKey
		generator *auth.JWTTokenGenerator
	)

	ginkgo.BeforeEach(func() {
		key = newKey()
		generator = auth.NewJWTTokenGenerator(&key.PublicKey, key, time.Minute)
	})

	ginkgo.It("should round-trip user id and permissions", func() {
		token, err := generator.GenerateAccessToken(42, "ops@example.com", []string{auth.PermRefundPayments})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		claims, err := generator.ValidateToken(token)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(claims.UserID).To(gomega.Equal("42"))
		gomega.Expect(claims.Permissions).To(gomega.ConsistOf(auth.PermRefundPayments))

		user, err := claims.ToUser()
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(user.ID).To(gomega.Equal(int64(42)))
		gomega.Expect(user.HasPermission(auth.PermRefundPayments)).To(gomega.BeTrue())
	})

	ginkgo.It("should refuse to sign without a private key", func() {
		validator := auth.NewJWTTokenGenerator(&key.PublicKey, nil, 0)
		_, err := validator.GenerateAccessToken(1, "a@example.com", nil)
		gomega.Expect(err).To(gomega.MatchError(auth.ErrNoSigningKey))
		gomega.Expect(validator.AccessTokenTTL).To(gomega.Equal(15 * time.Minute))
	})

	ginkgo.It("should report expired tokens", func() {
		expired := auth.NewJWTTokenGenerator(&key.PublicKey, key, time.Minute)
		claims := &auth.Claims{
			UserID: "1",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		_, err = expired.ValidateToken(token)
		gomega.Expect(err).To(gomega.MatchError(auth.ErrTokenExpired))
	})

	ginkgo.It("should reject tokens signed by another key", func() {
		other := auth.NewJWTTokenGenerator(nil, newKey(), time.Minute)
		token, err := other.GenerateAccessToken(1, "a@example.com", nil)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		_, err = generator.ValidateToken(token)
		gomega.Expect(err).To(gomega.MatchError(auth.ErrInvalidToken))
	})

	ginkgo.It("should reject HMAC tokens", func() {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.Claims{
			UserID:           "1",
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		}).SignedString([]byte("secret"))
		gomega.Expect(err).NotTo(gomega.HaveOccurred())

		_, err = generator.ValidateToken(token)
		gomega.Expect(err).To(gomega.MatchError(auth.ErrInvalidToken))
	})

	ginkgo.DescribeTable("Claims.ToUser",
		func(claims auth.Claims, wantID int64, wantErr error) {
			user, err := claims.ToUser()
			if wantErr != nil {
				gomega.Expect(err).To(gomega.MatchError(wantErr))
				return
			}
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(user.ID).To(gomega.Equal(wantID))
		},
		ginkgo.Entry("user_id claim", auth.Claims{UserID: "7"}, int64(7), nil),
		ginkgo.Entry("subject fallback", auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "9"}}, int64(9), nil),
		ginkgo.Entry("missing", auth.Claims{}, int64(0), auth.ErrMissingSubject),
		ginkgo.Entry("not numeric", auth.Claims{UserID: "abc"}, int64(0), auth.ErrInvalidToken),
		ginkgo.Entry("negative", auth.Claims{UserID: "-1"}, int64(0), auth.ErrInvalidToken),
	)
})

var _ = ginkgo.Describe("PermissionChecker", func() {
	checker := auth.NewPermissionChecker()

	ginkgo.It("should grant refund and capture separately", func() {
		gomega.Expect(checker.CanRefundPayments([]string{auth.PermRefundPayments})).To(gomega.BeTrue())
		gomega.Expect(checker.CanCapturePayments([]string{auth.PermRefundPayments})).To(gomega.BeFalse())
		gomega.Expect(checker.CanCapturePayments([]string{auth.PermCapturePayments})).To(gomega.BeTrue())
	})

	ginkgo.It("should let admin do everything", func() {
		admin := []string{auth.PermAdmin}
		gomega.Expect(checker.IsAdmin(admin)).To(gomega.BeTrue())
		gomega.Expect(checker.CanRefundPayments(admin)).To(gomega.BeTrue())
		ok, err := checker.HasPermission(context.Background(), admin, "anything")
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(ok).To(gomega.BeTrue())
	})

	ginkgo.It("should deny an empty permission set", func() {
		ok, err := checker.HasPermission(context.Background(), nil, auth.PermRefundPayments)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(ok).To(gomega.BeFalse())
	})
})

var _ = ginkgo.Describe("HTTP middleware", func() {
	var (
		key     *rsa.PrivateKey
		tokens  *auth.JWTTokenGenerator
		handler *auth.Handler
		rbac    *auth.RBACAuthorization
		seen    *internal.User
	)

	ginkgo.BeforeEach(func() {
		key = newKey()
		tokens = auth.NewJWTTokenGenerator(&key.PublicKey, key, time.Minute)
		base := transport.NewBaseHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))
		handler = auth.NewHandler(base, tokens)
		rbac = auth.NewRBACAuthorization(auth.NewPermissionChecker(), base)
		seen = nil
	})

	protected := func() http.Handler {
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = internal.UserFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})
		return handler.AuthMiddleware(rbac.RequireRefund()(inner))
	}

	call := func(bearer string) int {
		req := httptest.NewRequest(http.MethodPost, "/payments/p-1/refund", nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		rec := httptest.NewRecorder()
		protected().ServeHTTP(rec, req)
		return rec.Code
	}

	ginkgo.It("should let a caller with refund_payments through", func() {
		token, err := tokens.GenerateAccessToken(5, "ops@example.com", []string{auth.PermRefundPayments})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(call(token)).To(gomega.Equal(http.StatusNoContent))
		gomega.Expect(seen.ID).To(gomega.Equal(int64(5)))
	})

	ginkgo.It("should forbid a caller without the permission", func() {
		token, err := tokens.GenerateAccessToken(5, "donor@example.com", []string{auth.PermCapturePayments})
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		gomega.Expect(call(token)).To(gomega.Equal(http.StatusForbidden))
		gomega.Expect(seen).To(gomega.BeNil())
	})

	ginkgo.It("should reject missing and garbage tokens", func() {
		gomega.Expect(call("")).To(gomega.Equal(http.StatusUnauthorized))
		gomega.Expect(call("not-a-jwt")).To(gomega.Equal(http.StatusUnauthorized))
	})

	ginkgo.It("should answer 401 when the permission guard runs without authentication", func() {
		rec := httptest.NewRecorder()
		rbac.RequireCapture()(http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		gomega.Expect(rec.Code).To(gomega.Equal(http.StatusUnauthorized))
	})
})
