package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/billhub/billhub/internal/shared"
)

// DefaultTTL is the lifetime of issued tokens.
const DefaultTTL = 24 * time.Hour

// Tokens signs and verifies HS256 tenant tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens builds Tokens. The secret is required.
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for subject acting on tenantID.
func (t *Tokens) Issue(tenantID int64, subject string) (string, error) {
	if tenantID <= 0 || strings.TrimSpace(subject) == "" {
		return "", ErrMissingTenant
	}
	now := t.now()
	claims := &Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse validates raw and returns the principal it carries.
func (t *Tokens) Parse(raw string) (shared.Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return shared.Principal{}, ErrMissingToken
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	var claims Claims
	token, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return shared.Principal{}, ErrInvalidToken
	}
	if claims.TenantID <= 0 || strings.TrimSpace(claims.Subject) == "" {
		return shared.Principal{}, ErrMissingTenant
	}
	return shared.Principal{TenantID: claims.TenantID, Subject: claims.Subject}, nil
}
