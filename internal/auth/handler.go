package auth

import (
	"errors"
	"net/http"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport"
	"github.com/frahmantamala/crowdfunding-payments/pkg/logger"
)

type Handler struct {
	*transport.BaseHandler
	Validator TokenValidator
}

func NewHandler(base *transport.BaseHandler, validator TokenValidator) *Handler {
	return &Handler{
		BaseHandler: base,
		Validator:   validator,
	}
}

// AuthMiddleware requires a valid bearer token and stores the caller on the context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.ExtractTokenFromHeader(r)
		if token == "" {
			h.WriteAppError(w, internal.NewUnauthorizedError("missing authorization token", internal.ErrCodeInvalidToken))
			return
		}

		claims, err := h.Validator.ValidateToken(token)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				h.WriteAppError(w, internal.ErrTokenExpired)
				return
			}
			h.WriteAppError(w, internal.ErrInvalidToken)
			return
		}

		user, err := claims.ToUser()
		if err != nil {
			h.Logger.Warn("token carries no usable user id", "subject", claims.Subject, "error", err)
			h.WriteAppError(w, internal.ErrInvalidToken)
			return
		}

		ctx := internal.ContextWithUser(r.Context(), user)
		ctx = logger.With(ctx, "user_id", user.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
