package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultAccessTokenTTL = 15 * time.Minute

// JWTTokenGenerator validates RS256 tokens against the identity provider's public
// key. With a private key it can also issue them.
type JWTTokenGenerator struct {
	PublicKey      *rsa.PublicKey
	PrivateKey     *rsa.PrivateKey
	AccessTokenTTL time.Duration
}

// NewJWTTokenGenerator creates a validator. privateKey may be nil.
func NewJWTTokenGenerator(publicKey *rsa.PublicKey, privateKey *rsa.PrivateKey, ttl time.Duration) *JWTTokenGenerator {
	if ttl <= 0 {
		ttl = defaultAccessTokenTTL
	}
	return &JWTTokenGenerator{
		PublicKey:      publicKey,
		PrivateKey:     privateKey,
		AccessTokenTTL: ttl,
	}
}

// GenerateAccessToken creates a new access token
func (j *JWTTokenGenerator) GenerateAccessToken(userID int64, email string, permissions []string) (string, error) {
	if j.PrivateKey == nil {
		return "", ErrNoSigningKey
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, newClaims(userID, email, permissions, j.AccessTokenTTL))
	tokenString, err := token.SignedString(j.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates a JWT token and returns claims
func (j *JWTTokenGenerator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.PublicKey, nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
