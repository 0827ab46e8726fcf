// Package agent wraps a tunnel client session with the access-gated
// local forwarder mode: instead of forwarding every data stream to a
// single fixed local port, it dials whatever target address the relay
// asks for in a TcpOpen header, after checking that address against an
// allow-list, validating before ever dialing.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/localup/localup/pkg/access"
	"github.com/localup/localup/pkg/client"
)

// Config configures an Agent.
type Config struct {
	Session client.Config // LocalPort/Dial are overridden by NewAgent
	Allow   *access.List  // nil means access.AllowAll()
	Logger  *slog.Logger
}

// Agent runs a client.Session configured to dial arbitrary targets
// named by the relay, subject to an access-control allow-list.
type Agent struct {
	session *client.Session
	log     *slog.Logger
}

// New builds an Agent. The returned client.Session's DialFunc
// validates the relay-supplied target address before dialing it,
// rejecting anything outside cfg.Allow.
func New(cfg Config) *Agent {
	allow := cfg.Allow
	if allow == nil {
		allow = access.AllowAll()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if allow.IsEmpty() {
		log.Warn("agent: access list imposes no restriction on dial targets")
	}

	sessionCfg := cfg.Session
	sessionCfg.Logger = log
	sessionCfg.Dial = func(ctx context.Context, targetAddr string) (net.Conn, error) {
		if err := allow.Validate(targetAddr); err != nil {
			return nil, fmt.Errorf("agent: dial target rejected: %w", err)
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", targetAddr)
	}

	return &Agent{session: client.New(sessionCfg), log: log}
}

// Run connects and serves until ctx is cancelled, Disconnect is
// called, or a non-recoverable error occurs.
func (a *Agent) Run(ctx context.Context) error {
	return a.session.Run(ctx)
}

// Disconnect requests a clean shutdown.
func (a *Agent) Disconnect() { a.session.Disconnect() }

// State returns the underlying session's lifecycle state.
func (a *Agent) State() client.State { return a.session.State() }
