package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/frahmantamala/crowdfunding-payments/internal"
)

const (
	PermRefundPayments  = "refund_payments"
	PermCapturePayments = "capture_payments"
	PermAdmin           = "admin"
)

// Claims is the bearer token issued by the identity provider.
type Claims struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator checks a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

// TokenIssuer mints access tokens. Only the dev CLI holds the private key.
type TokenIssuer interface {
	GenerateAccessToken(userID int64, email string, permissions []string) (string, error)
}

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrNoSigningKey   = errors.New("no signing key configured")
	ErrUserNotFound   = errors.New("user not found")
	ErrUserInactive   = errors.New("user is inactive")
	ErrMissingSubject = errors.New("token has no user id")
)

// ToUser converts validated claims into the caller stored on the request context.
func (c *Claims) ToUser() (*internal.User, error) {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	if id == "" {
		return nil, ErrMissingSubject
	}
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil || uid <= 0 {
		return nil, ErrInvalidToken
	}
	return &internal.User{
		ID:          uid,
		Email:       c.Email,
		Permissions: c.Permissions,
	}, nil
}

func newClaims(userID int64, email string, permissions []string, ttl time.Duration) *Claims {
	now := time.Now()
	id := strconv.FormatInt(userID, 10)
	return &Claims{
		UserID:      id,
		Email:       email,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   id,
		},
	}
}
