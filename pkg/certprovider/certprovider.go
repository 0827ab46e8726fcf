// Package certprovider implements the zero-config, self-signed TLS
// material used by the QUIC transport in development mode, plus the
// CertificateProvider interface an ACME-backed implementation plugs
// into in production.
package certprovider

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ValidFor is the validity period of a freshly generated self-signed
// certificate.
const ValidFor = 90 * 24 * time.Hour

// RenewalWindow: NeedsRenewal reports true once a certificate is
// within this long of expiring.
const RenewalWindow = 7 * 24 * time.Hour

// CertificateData is the provider's return value: PEM-encoded material
// plus its expiry, so callers can decide whether to renew without
// re-parsing the certificate.
type CertificateData struct {
	CertPEM   []byte
	KeyPEM    []byte
	ExpiresAt time.Time
}

// Provider is the interface the relay and client hold behind a shared
// pointer; an ACME-backed implementation is an allowed external
// collaborator and the core never assumes a self-signed implementation
// is in use.
type Provider interface {
	Acquire(domain string) (*CertificateData, error)
	NeedsRenewal(domain string) (bool, error)
	Revoke(domain string) error
}

// SelfSigned is the zero-config development implementation: it
// generates an ECDSA keypair and certificate once (ECDSA P-256,
// crypto/x509 templating, PEM encoding) and persists it under the
// user data directory, reusing it on subsequent runs with a fixed SAN
// list and 90-day validity.
type SelfSigned struct {
	dir string // directory holding the persisted cert/key pair
}

// NewSelfSigned returns a SelfSigned provider persisting material under
// dir. Use DefaultDir() for the standard per-OS location.
func NewSelfSigned(dir string) *SelfSigned {
	return &SelfSigned{dir: dir}
}

// DefaultDir returns ~/.localup on POSIX or %LOCALAPPDATA%\localup on
// Windows.
func DefaultDir() (string, error) {
	if runtime.GOOS == "windows" {
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			return "", errors.New("certprovider: LOCALAPPDATA is not set")
		}
		return filepath.Join(base, "localup"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("certprovider: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".localup"), nil
}

func (s *SelfSigned) paths() (certPath, keyPath string) {
	return filepath.Join(s.dir, "localup-quic.crt"), filepath.Join(s.dir, "localup-quic.key")
}

// Acquire loads the persisted certificate/key pair, generating and
// saving a fresh one on first use. domain is accepted for interface
// compatibility with an ACME-backed provider but is ignored: the
// self-signed certificate's SAN list is fixed.
func (s *SelfSigned) Acquire(_ string) (*CertificateData, error) {
	certPath, keyPath := s.paths()

	if data, err := s.load(certPath, keyPath); err == nil {
		return data, nil
	}

	data, err := s.generate()
	if err != nil {
		return nil, err
	}
	if err := s.save(certPath, keyPath, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SelfSigned) load(certPath, keyPath string) (*CertificateData, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("certprovider: failed to decode persisted certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("certprovider: parse persisted certificate: %w", err)
	}

	return &CertificateData{CertPEM: certPEM, KeyPEM: keyPEM, ExpiresAt: cert.NotAfter}, nil
}

func (s *SelfSigned) save(certPath, keyPath string, data *CertificateData) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("certprovider: create data directory: %w", err)
	}
	if err := os.WriteFile(certPath, data.CertPEM, 0o644); err != nil {
		return fmt.Errorf("certprovider: write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, data.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("certprovider: write key: %w", err)
	}
	return nil
}

// generate produces a fresh self-signed certificate covering the
// local development SAN list: localhost, *.localhost, 127.0.0.1, ::1.
func (s *SelfSigned) generate() (*CertificateData, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certprovider: generate key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("certprovider: generate serial: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(ValidFor)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localup development certificate"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost", "*.localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certprovider: create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("certprovider: marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &CertificateData{CertPEM: certPEM, KeyPEM: keyPEM, ExpiresAt: notAfter}, nil
}

// NeedsRenewal reports whether the persisted certificate expires
// within RenewalWindow.
func (s *SelfSigned) NeedsRenewal(domain string) (bool, error) {
	certPath, keyPath := s.paths()
	data, err := s.load(certPath, keyPath)
	if err != nil {
		// Nothing persisted yet: Acquire will generate on first call.
		return false, nil
	}
	_ = domain
	return time.Until(data.ExpiresAt) < RenewalWindow, nil
}

// Revoke removes the persisted material, forcing regeneration on the
// next Acquire.
func (s *SelfSigned) Revoke(_ string) error {
	certPath, keyPath := s.paths()
	if err := os.Remove(certPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(keyPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
