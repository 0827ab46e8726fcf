// Package mtls implements auth.Validator by trusting the verified peer
// certificate presented during the QUIC/TLS handshake rather than a
// bearer token: the tunnel_id is derived from the client certificate's
// identity, and a certificate fingerprint allow-list controls which
// clients may connect.
//
// It generalizes subject/issuer/SAN/fingerprint extraction out of an
// x509.Certificate from a one-shot identity report into a standing
// Validator that the relay's handshake handler can call alongside (or
// instead of) the JWT/API-key strategies.
package mtls

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/localup/localup/pkg/auth"
)

// Identity is the subset of an x509.Certificate's identity fields the
// relay cares about for routing and audit logging.
type Identity struct {
	CommonName  string
	Fingerprint string // lowercase hex SHA-256 of the DER certificate
	NotBefore   time.Time
	NotAfter    time.Time
}

// ExtractIdentity reads the fields of Identity out of a verified peer
// certificate.
func ExtractIdentity(cert *x509.Certificate) Identity {
	return Identity{
		CommonName:  cert.Subject.CommonName,
		Fingerprint: Fingerprint(cert),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
	}
}

// Fingerprint returns the lowercase hex SHA-256 digest of the
// certificate's raw DER bytes, used as the allow-list key since it is
// stable and collision-resistant regardless of how the CA fills in
// Subject fields.
func Fingerprint(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Validator authenticates by peer certificate rather than a bearer
// token presented in the Handshake message. Callers extract the
// verified *x509.Certificate from the transport's TLS state (e.g.
// tls.ConnectionState.PeerCertificates[0]) and pass its fingerprint as
// the "token" argument to Validate — the control-plane call site is
// identical to the other Validator implementations even though the
// credential source differs.
type Validator struct {
	mu       sync.RWMutex
	allowed  map[string]auth.Result // fingerprint -> granted result
}

// NewValidator returns an empty Validator; use Allow to register
// trusted client certificates.
func NewValidator() *Validator {
	return &Validator{allowed: make(map[string]auth.Result)}
}

// Allow grants result to any client presenting a certificate with the
// given fingerprint.
func (v *Validator) Allow(fingerprint string, result auth.Result) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.allowed[fingerprint] = result
}

// Revoke removes a previously allowed fingerprint.
func (v *Validator) Revoke(fingerprint string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.allowed, fingerprint)
}

// Validate implements auth.Validator with fingerprint as the token.
func (v *Validator) Validate(_ context.Context, fingerprint string) (auth.Result, error) {
	v.mu.RLock()
	result, ok := v.allowed[fingerprint]
	v.mu.RUnlock()

	if !ok {
		return auth.Result{}, fmt.Errorf("%w: certificate fingerprint not allowed", auth.ErrInvalidToken)
	}
	return result, nil
}
