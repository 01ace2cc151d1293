// Package auth validates bearer tokens and carries the authenticated
// principal through request contexts. Every request is bound to exactly one
// workspace; handlers scope all catalog access by it.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSubject   = errors.New("auth: token subject is required")
	ErrMissingWorkspace = errors.New("auth: token workspace binding is required")
)

// Claims are the JWT claims the API expects.
type Claims struct {
	jwt.RegisteredClaims
	WorkspaceID string   `json:"workspace_id"`
	Roles       []string `json:"roles"`
}

// Principal is the authenticated entity making a request.
type Principal struct {
	ID          string
	WorkspaceID string
	Roles       []string
}

// HasRole reports whether the principal carries the role. Admins implicitly
// carry every role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == "admin" {
			return true
		}
	}
	return false
}

// Validator checks RS256 bearer tokens against a fixed public key.
type Validator struct {
	key *rsa.PublicKey
}

// NewValidatorFromPEM parses the configured PEM public key.
func NewValidatorFromPEM(pemBytes []byte) (*Validator, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return &Validator{key: key}, nil
}

// Validate parses and verifies the token, returning the bound principal.
func (v *Validator) Validate(tokenStr string) (*Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}
	if claims.WorkspaceID == "" {
		return nil, ErrMissingWorkspace
	}
	return &Principal{
		ID:          claims.Subject,
		WorkspaceID: claims.WorkspaceID,
		Roles:       claims.Roles,
	}, nil
}
