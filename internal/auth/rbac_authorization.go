package auth

import (
	"net/http"

	"github.com/frahmantamala/crowdfunding-payments/internal"
	"github.com/frahmantamala/crowdfunding-payments/internal/transport"
)

var errInsufficientPermissions = internal.NewForbiddenError("insufficient permissions", internal.ErrCodeUnauthorizedAccess)

// RBACAuthorization guards routes with a permission carried by the caller's token.
type RBACAuthorization struct {
	*transport.BaseHandler
	checker PermissionChecker
}

func NewRBACAuthorization(checker PermissionChecker, base *transport.BaseHandler) *RBACAuthorization {
	return &RBACAuthorization{
		BaseHandler: base,
		checker:     checker,
	}
}

func (ra *RBACAuthorization) Check(next http.HandlerFunc, permission string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := internal.UserFromContext(r.Context())
		if !ok {
			ra.Logger.Warn("authorization check failed: user not found in context")
			ra.WriteAppError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
			return
		}

		hasAccess, err := ra.checker.HasPermission(r.Context(), user.Permissions, permission)
		if err != nil {
			ra.WriteAppError(w, internal.NewInternalError("authorization check failed", err))
			return
		}

		if !hasAccess {
			ra.Logger.WarnContext(r.Context(), "access denied: insufficient permissions",
				"user_id", user.ID,
				"required_permission", permission,
				"user_permissions", user.Permissions)
			ra.WriteAppError(w, errInsufficientPermissions)
			return
		}

		next.ServeHTTP(w, r)
	}
}

func (ra *RBACAuthorization) Middleware(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return ra.Check(next.ServeHTTP, permission)
	}
}

func (ra *RBACAuthorization) RequireRefund() func(http.Handler) http.Handler {
	return ra.Middleware(PermRefundPayments)
}

func (ra *RBACAuthorization) RequireCapture() func(http.Handler) http.Handler {
	return ra.Middleware(PermCapturePayments)
}
