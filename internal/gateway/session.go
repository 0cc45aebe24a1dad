package gateway

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/svchub/gateway/internal/config"
	"github.com/svchub/gateway/internal/errors"
)

// SessionAuth validates bearer session tokens minted by the login
// tier. The proxy surface accepts either a session token or an API key.
type SessionAuth struct {
	secret []byte
	issuer string
}

// NewSessionAuth creates a validator from the session config.
func NewSessionAuth(cfg config.SessionConfig) *SessionAuth {
	return &SessionAuth{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer}
}

// Enabled reports whether session tokens are configured at all.
func (a *SessionAuth) Enabled() bool {
	return len(a.secret) > 0
}

// ValidateToken checks signature, expiry, and issuer, and returns the
// subject user ID.
func (a *SessionAuth) ValidateToken(tokenString string) (string, error) {
	if !a.Enabled() {
		return "", errors.ErrUnauthorized
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) { return a.secret, nil }, opts...)
	if err != nil || !token.Valid {
		return "", errors.ErrUnauthorized
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.ErrUnauthorized
	}
	return claims.Subject, nil
}

// IssueToken mints a session token for userID. Used by the login tier
// and by tests.
func (a *SessionAuth) IssueToken(userID string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", fmt.Errorf("session auth not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
