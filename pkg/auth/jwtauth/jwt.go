// Package jwtauth implements auth.Validator for HS256-signed JWTs, the
// default token format for agent authentication.
package jwtauth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/localup/localup/pkg/auth"
)

// Validator verifies HS256 JWTs against a shared secret, checking
// sub/iss/aud/exp. It uses the same golang-jwt/jwt/v5 API as the
// HS256 token issuer in pkg/auth/issuer, narrowed to HMAC verification.
type Validator struct {
	secret    []byte
	issuer    string
	audience  string
	protocols []string
}

// Option configures a Validator.
type Option func(*Validator)

// WithIssuer requires the token's iss claim to equal issuer.
func WithIssuer(issuer string) Option {
	return func(v *Validator) { v.issuer = issuer }
}

// WithAudience requires the token's aud claim to contain audience.
func WithAudience(audience string) Option {
	return func(v *Validator) { v.audience = audience }
}

// WithDefaultProtocols sets the AllowedProtocols granted to every
// successfully validated token that does not itself carry a
// "protocols" claim.
func WithDefaultProtocols(protocols ...string) Option {
	return func(v *Validator) { v.protocols = protocols }
}

// New returns a Validator checking tokens against secret.
func New(secret string, opts ...Option) *Validator {
	v := &Validator{secret: []byte(secret)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type claims struct {
	jwt.RegisteredClaims
	Protocols []string `json:"protocols,omitempty"`
	Regions   []string `json:"regions,omitempty"`
}

// Validate parses and verifies token, returning the tunnel identity.
// Any failure (bad signature, expired, wrong issuer/audience) is
// non-recoverable: the caller must not retry/reconnect.
func (v *Validator) Validate(_ context.Context, token string) (auth.Result, error) {
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return auth.Result{}, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return auth.Result{}, auth.ErrInvalidToken
	}

	tunnelID := c.Subject
	if tunnelID == "" {
		return auth.Result{}, fmt.Errorf("%w: missing sub claim", auth.ErrInvalidToken)
	}

	protocols := c.Protocols
	if len(protocols) == 0 {
		protocols = v.protocols
	}

	return auth.Result{
		TunnelID:         tunnelID,
		AllowedProtocols: protocols,
		AllowedRegions:   c.Regions,
	}, nil
}
