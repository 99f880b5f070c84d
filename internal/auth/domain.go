// Package auth verifies tenant bearer tokens. Every authenticated request carries exactly one
// tenant, taken from the token's tenant_id claim.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"

	"github.com/billhub/billhub/internal/shared"
)

// Claims is the JWT payload: subject is the caller, tenant_id scopes every operation.
type Claims struct {
	TenantID int64 `json:"tenant_id"`
	jwt.RegisteredClaims
}

var (
	// ErrMissingToken indicates no bearer token was presented.
	ErrMissingToken = fmt.Errorf("auth: missing bearer token: %w", shared.ErrUnauthorized)
	// ErrInvalidToken indicates a malformed, expired or badly signed token.
	ErrInvalidToken = fmt.Errorf("auth: invalid or expired token: %w", shared.ErrUnauthorized)
	// ErrMissingTenant indicates a valid token without tenant or subject.
	ErrMissingTenant = fmt.Errorf("auth: token missing tenant or subject: %w", shared.ErrUnauthorized)
)
