// Package counter implements domain.Provider with an
// adjective-noun-counter generator, retried against a collision set
// until a free subdomain is found — the default provider used when
// an operator hasn't plugged in a persistent/DNS-backed one.
package counter

import (
	"context"
	"fmt"
	"sync"

	"github.com/localup/localup/pkg/domain"
)

var adjectives = []string{
	"brave", "calm", "swift", "quiet", "bold", "sharp", "bright", "dry",
	"cool", "warm", "gentle", "clear", "steady", "quick", "keen", "deft",
}

var nouns = []string{
	"otter", "falcon", "maple", "ridge", "harbor", "ember", "willow",
	"cedar", "heron", "comet", "canyon", "meadow", "basin", "summit",
}

// Provider generates subdomains of the form "<adjective>-<noun>-<n>"
// and serves them under Base.
type Provider struct {
	Base string // e.g. "tunnel.example.com"

	mu       sync.Mutex
	reserved map[string]string // subdomain -> tunnelID
	counter  int
}

// New returns a Provider serving subdomains under base.
func New(base string) *Provider {
	return &Provider{Base: base, reserved: make(map[string]string)}
}

func (p *Provider) candidate(n int) string {
	adj := adjectives[n%len(adjectives)]
	noun := nouns[(n/len(adjectives))%len(nouns)]
	return fmt.Sprintf("%s-%s-%d", adj, noun, n)
}

// GenerateSubdomain returns the next unreserved candidate, advancing
// the internal counter past it so concurrent callers never race on
// the same candidate.
func (p *Provider) GenerateSubdomain(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < 1_000_000; i++ {
		n := p.counter
		p.counter++
		cand := p.candidate(n)
		if _, taken := p.reserved[cand]; !taken {
			return cand, nil
		}
	}
	return "", fmt.Errorf("counter: exhausted candidates without finding a free subdomain")
}

// GeneratePublicURL builds "https://<subdomain>.<base>".
func (p *Provider) GeneratePublicURL(subdomain string) string {
	return fmt.Sprintf("https://%s.%s", subdomain, p.Base)
}

func (p *Provider) IsAvailable(ctx context.Context, subdomain string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, taken := p.reserved[subdomain]
	return !taken, nil
}

func (p *Provider) Reserve(ctx context.Context, subdomain, tunnelID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if owner, taken := p.reserved[subdomain]; taken && owner != tunnelID {
		return fmt.Errorf("counter: subdomain %q already reserved", subdomain)
	}
	p.reserved[subdomain] = tunnelID
	return nil
}

func (p *Provider) Release(ctx context.Context, subdomain string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, subdomain)
	return nil
}

var _ domain.Provider = (*Provider)(nil)
