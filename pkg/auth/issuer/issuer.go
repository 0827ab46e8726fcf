// Package issuer mints the HS256 tokens pkg/auth/jwtauth validates,
// for operators who run their relay against a shared secret rather
// than an external identity provider. It is a token-minting
// counterpart to the validator, narrowed to the one signing method
// and claim set the relay actually checks.
package issuer

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claims mirrors jwtauth's claims struct; kept private and duplicated
// rather than shared so the issuer and validator can evolve the claim
// set independently of each other.
type claims struct {
	jwt.RegisteredClaims
	Protocols []string `json:"protocols,omitempty"`
	Regions   []string `json:"regions,omitempty"`
}

// Request describes the token an operator wants minted.
type Request struct {
	TunnelID  string
	Issuer    string
	Audience  string
	Protocols []string
	Regions   []string
	TTL       time.Duration
}

// Issuer mints HS256 tokens signed with a shared secret.
type Issuer struct {
	secret []byte
}

// New returns an Issuer signing with secret. The same secret must be
// passed to jwtauth.New on the relay side.
func New(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue mints a signed token for req. TunnelID becomes the token's
// subject, which jwtauth.Validator reads back as auth.Result.TunnelID.
func (i *Issuer) Issue(req Request) (string, error) {
	if req.TunnelID == "" {
		return "", fmt.Errorf("issuer: TunnelID is required")
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.TunnelID,
			Issuer:    req.Issuer,
			Audience:  jwt.ClaimStrings{req.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Protocols: req.Protocols,
		Regions:   req.Regions,
	}
	if req.Audience == "" {
		c.Audience = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(i.secret)
}
