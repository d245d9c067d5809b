package auth

import "context"

type PermissionChecker interface {
	HasPermission(ctx context.Context, userPermissions []string, permission string) (bool, error)
	CanRefundPayments(userPermissions []string) bool
	CanCapturePayments(userPermissions []string) bool
	IsAdmin(userPermissions []string) bool
}

// DefaultPermissionChecker decides from the permissions carried in the token.
// admin implies every permission.
type DefaultPermissionChecker struct{}

func NewPermissionChecker() PermissionChecker {
	return &DefaultPermissionChecker{}
}

func (c *DefaultPermissionChecker) HasPermission(_ context.Context, userPermissions []string, permission string) (bool, error) {
	return c.HasAnyPermission(userPermissions, []string{permission, PermAdmin}), nil
}

func (c *DefaultPermissionChecker) CanRefundPayments(userPermissions []string) bool {
	return c.HasAnyPermission(userPermissions, []string{PermRefundPayments, PermAdmin})
}

func (c *DefaultPermissionChecker) CanCapturePayments(userPermissions []string) bool {
	return c.HasAnyPermission(userPermissions, []string{PermCapturePayments, PermAdmin})
}

func (c *DefaultPermissionChecker) HasAnyPermission(userPermissions []string, requiredPermissions []string) bool {
	for _, userPerm := range userPermissions {
		for _, requiredPerm := range requiredPermissions {
			if userPerm == requiredPerm {
				return true
			}
		}
	}
	return false
}

func (c *DefaultPermissionChecker) IsAdmin(userPermissions []string) bool {
	return c.HasAnyPermission(userPermissions, []string{PermAdmin})
}
