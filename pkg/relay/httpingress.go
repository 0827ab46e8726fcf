package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/localup/localup/pkg/ratelimit"
	"github.com/localup/localup/pkg/registry"
	"github.com/localup/localup/pkg/wire"
)

// maxHeaderBytes bounds how much of a request line and headers the
// HTTP ingress will read before giving up.
const maxHeaderBytes = 8 * 1024

// HTTPIngress accepts plain HTTP connections on a public port and
// dispatches each request to the tunnel whose registered host matches
// the request's Host header.
type HTTPIngress struct {
	srv     *Server
	log     *slog.Logger
	limiter *ratelimit.PerIPLimiter // nil disables rate limiting
}

// NewHTTPIngress returns an ingress dispatching through srv.
func NewHTTPIngress(srv *Server, log *slog.Logger) *HTTPIngress {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPIngress{srv: srv, log: log}
}

// WithRateLimit enables per-source-IP rate limiting on inbound public
// connections, guarding against one tunnel's public endpoint being
// used to flood the relay or the client behind it.
func (h *HTTPIngress) WithRateLimit(cfg ratelimit.PerIPConfig) *HTTPIngress {
	h.limiter = ratelimit.NewPerIPLimiter(cfg)
	return h
}

// Serve accepts connections on addr until ctx is cancelled.
func (h *HTTPIngress) Serve(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("relay: http ingress listen: %w", err)
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
			return fmt.Errorf("relay: http ingress accept: %w", err)
		}
		go h.handle(ctx, conn)
	}
}

func (h *HTTPIngress) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if h.limiter != nil {
		ip := conn.RemoteAddr().String()
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if allowed, _, retryAfter := h.limiter.Allow(ip); !allowed {
			h.writeRateLimited(conn, retryAfter)
			return
		}
	}

	br := bufio.NewReader(io.LimitReader(conn, maxHeaderBytes))
	req, err := http.ReadRequest(br)
	if err != nil {
		h.writeStatus(conn, http.StatusBadRequest, "bad request")
		return
	}
	defer req.Body.Close()

	host := registry.NormalizeHTTPHost(req.Host)

	body, err := io.ReadAll(req.Body)
	if err != nil {
		h.writeStatus(conn, http.StatusBadRequest, "failed to read body")
		return
	}

	out := &wire.HTTPRequest{
		Method:  req.Method,
		Path:    req.URL.RequestURI(),
		Headers: req.Header,
		Body:    body,
	}
	out.Headers = cloneHeaders(out.Headers)
	out.Headers["Host"] = []string{req.Host}

	resp, err := h.srv.DispatchHTTP(ctx, host, out)
	h.srv.AuditHTTP(host, out, resp, conn.RemoteAddr(), err)
	if err != nil {
		h.log.Warn("http ingress: dispatch failed", "host", host, "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			h.writeStatus(conn, http.StatusGatewayTimeout, "upstream timed out")
			return
		}
		h.writeStatus(conn, http.StatusBadGateway, "upstream unavailable")
		return
	}

	h.writeResponse(conn, resp)
}

func (h *HTTPIngress) writeRateLimited(conn net.Conn, retryAfterSec int64) {
	resp := http.Response{
		StatusCode: http.StatusTooManyRequests,
		Status:     fmt.Sprintf("%d %s", http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Body:       io.NopCloser(bytesReader([]byte("rate limit exceeded"))),
		Header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
			"Retry-After":  []string{fmt.Sprintf("%d", retryAfterSec)},
		},
	}
	_ = resp.Write(conn)
}

func cloneHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

func (h *HTTPIngress) writeStatus(conn net.Conn, status int, message string) {
	resp := http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Body:       io.NopCloser(bytesReader([]byte(message))),
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
	}
	_ = resp.Write(conn)
}

func (h *HTTPIngress) writeResponse(conn net.Conn, r *wire.HTTPResponse) {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	header := http.Header(r.Headers)
	if header == nil {
		header = http.Header{}
	}
	resp := http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Body:       io.NopCloser(bytesReader(r.Body)),
		Header:     header,
	}
	_ = resp.Write(conn)
}

func bytesReader(b []byte) io.Reader {
	if b == nil {
		return http.NoBody
	}
	return bytes.NewReader(b)
}
