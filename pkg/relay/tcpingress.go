package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/localup/localup/pkg/ratelimit"
)

// TCPIngress listens on one allocated public port and forwards every
// accepted connection to whichever tunnel currently owns that port,
// via Server.DialTCP.
type TCPIngress struct {
	srv     *Server
	port    uint16
	log     *slog.Logger
	limiter *ratelimit.PerIPLimiter // nil disables per-IP connection-rate limiting
}

// NewTCPIngress returns an ingress for port; Serve binds the listener.
func NewTCPIngress(srv *Server, port uint16, log *slog.Logger) (*TCPIngress, error) {
	if log == nil {
		log = slog.Default()
	}
	return &TCPIngress{srv: srv, port: port, log: log}, nil
}

// WithRateLimit caps new-connection rate per source IP, treating each
// accepted TCP connection as one unit of rate (there is no per-request
// granularity on a raw TCP forward the way there is for HTTP).
func (t *TCPIngress) WithRateLimit(cfg ratelimit.PerIPConfig) *TCPIngress {
	t.limiter = ratelimit.NewPerIPLimiter(cfg)
	return t
}

// Serve accepts connections on addr until ctx is cancelled.
func (t *TCPIngress) Serve(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("relay: tcp ingress listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("relay: tcp ingress accept: %w", err)
		}
		go t.handle(ctx, conn)
	}
}

func (t *TCPIngress) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if t.limiter != nil {
		ip := conn.RemoteAddr().String()
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if allowed, _, _ := t.limiter.Allow(ip); !allowed {
			t.log.Debug("tcp ingress: rate limited", "port", t.port, "ip", ip)
			return
		}
	}

	if err := t.srv.DialTCP(ctx, t.port, conn); err != nil {
		t.log.Warn("tcp ingress: no route", "port", t.port, "error", err)
	}
}
