// Package h2 implements pkg/transport over HTTP/2, a fallback for
// networks that allow ordinary HTTPS but block UDP (so QUIC cannot
// get through) and deep-inspect or mangle WebSocket upgrades. It uses
// an http2.Transport configured with AllowHTTP and a custom
// DialTLSContext to stream a full-duplex body: each transport.Stream
// here is realized as one long-lived HTTP/2 request whose request
// body and response body are the two halves of the stream.
package h2

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/localup/localup/pkg/transport"
)

const streamIDHeader = "X-Localup-Stream-Id"

// Stream is a transport.Stream backed by one HTTP/2 request/response
// pair: writes go out over the request body, reads come from the
// response body.
type Stream struct {
	id uint64

	w io.WriteCloser
	r io.ReadCloser

	closeOnce sync.Once
}

func (s *Stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *Stream) CloseWrite() error { return s.w.Close() }

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		werr := s.w.Close()
		rerr := s.r.Close()
		if werr != nil {
			err = werr
		} else {
			err = rerr
		}
	})
	return err
}

func (s *Stream) ID() uint64 { return s.id }

// Connection is the client-dialer side of an h2 transport session:
// a single origin against which OpenStream issues new HTTP/2
// requests, relying on http2.Transport's own connection reuse.
type Connection struct {
	rt         http.RoundTripper
	baseURL    string
	remoteAddr net.Addr
	nextID     atomic.Uint64

	control   *Stream
	controlMu sync.Mutex
}

func (c *Connection) openStreamWithID(ctx context.Context, id uint64) (*Stream, error) {
	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, pr)
	if err != nil {
		return nil, fmt.Errorf("h2: build request: %w", err)
	}
	req.Header.Set(streamIDHeader, strconv.FormatUint(id, 10))
	req.ContentLength = -1

	resp, err := c.rt.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("h2: round trip: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("h2: unexpected status %d", resp.StatusCode)
	}

	return &Stream{id: id, w: pw, r: resp.Body}, nil
}

func (c *Connection) OpenStream(ctx context.Context) (transport.Stream, error) {
	id := c.nextID.Add(1)
	return c.openStreamWithID(ctx, id)
}

func (c *Connection) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return nil, fmt.Errorf("h2: dialing side does not accept streams")
}

// controlID is the fixed id the control channel always uses, so the
// accepting side recognizes it without an out-of-band signal.
const controlID = 0

func (c *Connection) ControlStream(ctx context.Context) (transport.Stream, error) {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()
	if c.control != nil {
		return c.control, nil
	}
	s, err := c.openStreamWithID(ctx, controlID)
	if err != nil {
		return nil, err
	}
	c.control = s
	return s, nil
}

func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *Connection) PeerCertificateFingerprint() string { return "" }

func (c *Connection) Close() error {
	if c.control != nil {
		_ = c.control.Close()
	}
	if closer, ok := c.rt.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
	return nil
}

func (c *Connection) CloseWithReason(code uint64, reason string) error { return c.Close() }

// Dialer opens h2 Connections against a relay's HTTP/2 endpoint.
type Dialer struct {
	Path string
}

// NewDialer returns a Dialer that opens streams at Path (default
// "/localup/h2" when empty).
func NewDialer(path string) *Dialer {
	if path == "" {
		path = "/localup/h2"
	}
	return &Dialer{Path: path}
}

func (d *Dialer) Dial(ctx context.Context, addr string, insecure bool) (transport.Connection, error) {
	scheme := "https"
	rt := &http2.Transport{}
	if insecure {
		scheme = "http"
		rt.AllowHTTP = true
		rt.DialTLSContext = func(ctx context.Context, network, a string, _ *tls.Config) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, a)
		}
	} else {
		rt.TLSClientConfig = &tls.Config{ServerName: hostOnly(addr)}
	}

	raddr, _ := net.ResolveTCPAddr("tcp", addr)
	return &Connection{
		rt:         rt,
		baseURL:    fmt.Sprintf("%s://%s%s", scheme, addr, d.Path),
		remoteAddr: raddr,
	}, nil
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// serverStream is the accepting side's view of one request/response
// pair: reads come from the request body, writes go to the
// ResponseWriter (flushed after every write so the peer sees bytes
// as they are produced rather than buffered until the handler
// returns).
type serverStream struct {
	id uint64
	r  io.ReadCloser
	w  http.ResponseWriter
	fl http.Flusher

	done chan struct{}
	closeOnce sync.Once
}

func (s *serverStream) Read(p []byte) (int, error)  { return s.r.Read(p) }

func (s *serverStream) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	s.fl.Flush()
	return n, nil
}

func (s *serverStream) CloseWrite() error { return nil }

func (s *serverStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.r.Close()
}

func (s *serverStream) ID() uint64 { return s.id }

// Handler is the relay-side HTTP handler accepting h2 connections.
// It has no notion of a single "Connection" the way QUIC does —
// every request is its own stream — so Handler synthesizes one
// serverConnection per remote address and multiplexes accepted
// streams onto it.
type Handler struct {
	mu    sync.Mutex
	conns map[string]*serverConnection

	accepted chan *serverConnection
	closed   chan struct{}
}

// NewHandler returns a Handler ready to be mounted as an
// http.Handler.
func NewHandler() *Handler {
	return &Handler{
		conns:    make(map[string]*serverConnection),
		accepted: make(chan *serverConnection, 16),
		closed:   make(chan struct{}),
	}
}

type serverConnection struct {
	remoteAddr net.Addr
	fingerprint string

	mu       sync.Mutex
	first    *serverStream
	accepted chan *serverStream

	closeOnce sync.Once
	closed    chan struct{}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	idStr := r.Header.Get(streamIDHeader)
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "missing stream id", http.StatusBadRequest)
		return
	}

	raddr, _ := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	var fingerprint string
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		fingerprint = fmt.Sprintf("%x", sha256.Sum256(r.TLS.PeerCertificates[0].Raw))
	}

	h.mu.Lock()
	sc, ok := h.conns[r.RemoteAddr]
	if !ok {
		sc = &serverConnection{
			remoteAddr:  raddr,
			fingerprint: fingerprint,
			accepted:    make(chan *serverStream, 16),
			closed:      make(chan struct{}),
		}
		h.conns[r.RemoteAddr] = sc
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	stream := &serverStream{id: id, r: r.Body, w: w, fl: fl, done: make(chan struct{})}

	if id == controlID {
		select {
		case h.accepted <- sc:
		case <-h.closed:
		}
	}
	select {
	case sc.accepted <- stream:
	case <-sc.closed:
	case <-h.closed:
	}

	select {
	case <-stream.done:
	case <-r.Context().Done():
	case <-h.closed:
	}
}

func (sc *serverConnection) OpenStream(ctx context.Context) (transport.Stream, error) {
	return nil, fmt.Errorf("h2: accepting side does not open streams")
}

func (sc *serverConnection) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-sc.accepted:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sc.closed:
		return nil, fmt.Errorf("h2: connection closed")
	}
}

func (sc *serverConnection) ControlStream(ctx context.Context) (transport.Stream, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.first == nil {
		return nil, fmt.Errorf("h2: control stream not yet established")
	}
	return sc.first, nil
}

func (sc *serverConnection) RemoteAddr() net.Addr { return sc.remoteAddr }

func (sc *serverConnection) PeerCertificateFingerprint() string { return sc.fingerprint }

func (sc *serverConnection) Close() error {
	sc.closeOnce.Do(func() { close(sc.closed) })
	return nil
}

func (sc *serverConnection) CloseWithReason(code uint64, reason string) error { return sc.Close() }

// Listener adapts a Handler into a transport.Listener.
type Listener struct {
	handler *Handler
	addr    net.Addr
}

// NewListenerFromHandler wraps h, which must already be mounted and
// serving (directly, via h2c.NewHandler for cleartext, or behind a
// TLS listener with http2.ConfigureServer applied), as a
// transport.Listener.
func NewListenerFromHandler(h *Handler, addr net.Addr) *Listener {
	return &Listener{handler: h, addr: addr}
}

func (l *Listener) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case sc := <-l.handler.accepted:
		stream := <-sc.accepted
		sc.mu.Lock()
		sc.first = stream
		sc.mu.Unlock()
		return sc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.handler.closed:
		return nil, fmt.Errorf("h2: listener closed")
	}
}

func (l *Listener) Addr() net.Addr { return l.addr }

func (l *Listener) Close() error {
	select {
	case <-l.handler.closed:
	default:
		close(l.handler.closed)
	}
	return nil
}

// NewH2CHandler wraps h with h2c support so a plain http.Server (no
// TLS) can serve HTTP/2 cleartext requests, matching the insecure
// loopback dial path NewDialer takes when insecure is true.
func NewH2CHandler(h *Handler) http.Handler {
	h2s := &http2.Server{}
	return h2c.NewHandler(h, h2s)
}
