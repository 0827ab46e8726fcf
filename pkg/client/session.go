// Package client implements the tunnel client session supervisor:
// handshake, heartbeat, reconnect with backoff, and the local
// forwarder that bridges relay-opened data streams to a local
// service. Connection state is tracked with state/attempt atomics
// and a disconnect-channel-plus-sync.Once close idiom, with a
// control-stream dispatch loop and
// bidirectional data-stream pump mirroring the relay's own.
package client

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
	"sync"
	"sync/atomic"
	"time"

	"github.com/localup/localup/pkg/transport"
	"github.com/localup/localup/pkg/wire"
)

// State is the session's connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event reports a session state transition to an optional observer
// (the daemon IPC status handler, or a CLI progress printer).
type Event struct {
	State     State
	Err       error
	Attempt   int
	PublicURL string
}

// DialFunc connects to the local service a data stream should be
// bridged to. The default implementation dials 127.0.0.1:LocalPort;
// pkg/agent overrides it to validate the target against an access
// list before dialing a caller-supplied address.
type DialFunc func(ctx context.Context, targetAddr string) (net.Conn, error)

// Config configures a Session.
type Config struct {
	RelayAddr string
	Token     string
	Dialer    transport.Dialer
	Insecure  bool

	LocalPort int      // used by the default DialFunc when Dial is nil
	Dial      DialFunc // overridden by pkg/agent

	Protocols []wire.ProtocolRequest
	ClientMeta map[string]string

	Backoff Backoff
	Events  chan<- Event // optional, non-blocking best-effort delivery
	Logger  *slog.Logger
}

// Session supervises one logical tunnel connection across reconnects.
type Session struct {
	cfg Config
	log *slog.Logger

	state   atomic.Int32
	attempt atomic.Int32

	mu        sync.Mutex
	conn      transport.Connection
	control   transport.Stream
	tunnelID  string
	publicURL string

	writeMu sync.Mutex

	disconnect chan struct{}
	closeOnce  sync.Once
}

// New returns a Session ready to Run.
func New(cfg Config) *Session {
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{cfg: cfg, log: log, disconnect: make(chan struct{})}
}

// Cfg returns the session's configuration, letting pkg/agent reach
// the DialFunc it installed without exposing Session's other fields.
func (s *Session) Cfg() Config {
	return s.cfg
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) emit(ev Event) {
	if s.cfg.Events == nil {
		return
	}
	select {
	case s.cfg.Events <- ev:
	default:
	}
}

// Disconnect requests a clean shutdown. Idempotent: calling it more
// than once, or concurrently with Run returning on its own, is safe.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() { close(s.disconnect) })
}

// Run connects, handshakes, and serves the session until ctx is
// cancelled, Disconnect is called, or a non-recoverable error occurs.
// Recoverable errors trigger a reconnect after Backoff.Next().
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateClosed)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.disconnect:
			return nil
		default:
		}

		s.setState(StateConnecting)
		s.emit(Event{State: StateConnecting, Attempt: int(s.attempt.Load())})

		err := s.connectAndServe(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		if !s.isRecoverable(err) {
			s.emit(Event{State: StateClosed, Err: err})
			return err
		}

		attempt := int(s.attempt.Add(1))
		delay := s.cfg.Backoff.Next()
		s.setState(StateReconnecting)
		s.emit(Event{State: StateReconnecting, Err: err, Attempt: attempt})
		s.log.Warn("tunnel disconnected, reconnecting", "error", err, "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.disconnect:
			return nil
		}
	}
}

func (s *Session) connectAndServe(ctx context.Context) error {
	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.RelayAddr, s.cfg.Insecure)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.setState(StateHandshaking)
	control, ack, err := s.handshake(ctx, conn)
	if err != nil {
		return fmt.Errorf("client: handshake: %w", err)
	}

	s.mu.Lock()
	s.control = control
	s.tunnelID = ack.TunnelID
	if len(ack.Endpoints) > 0 {
		s.publicURL = ack.Endpoints[0].PublicURL
	}
	s.mu.Unlock()

	s.cfg.Backoff.Reset()
	s.attempt.Store(0)
	s.setState(StateConnected)
	s.emit(Event{State: StateConnected, PublicURL: s.publicURL})

	return s.serve(ctx, conn, control)
}

func (s *Session) handshake(ctx context.Context, conn transport.Connection) (transport.Stream, *wire.HandshakeAck, error) {
	control, err := conn.ControlStream(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open control stream: %w", err)
	}

	hs := &wire.Handshake{
		Token:      s.cfg.Token,
		Protocols:  s.cfg.Protocols,
		ClientMeta: s.cfg.ClientMeta,
	}
	if err := wire.Encode(control, hs); err != nil {
		return nil, nil, fmt.Errorf("send handshake: %w", err)
	}

	dec := wire.NewDecoder()
	msg, err := readOneMessage(control, dec)
	if err != nil {
		return nil, nil, fmt.Errorf("read handshake response: %w", err)
	}

	switch m := msg.(type) {
	case *wire.HandshakeAck:
		return control, m, nil
	case *wire.ErrorMessage:
		return nil, nil, &HandshakeError{Code: m.Code, Message: m.Message}
	default:
		return nil, nil, fmt.Errorf("unexpected handshake response type %T", msg)
	}
}

// HandshakeError wraps the ErrorMessage the relay returns for a
// rejected handshake, preserving its Code so isRecoverable can
// classify auth and version-mismatch failures as non-recoverable.
type HandshakeError struct {
	Code    string
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("relay rejected handshake: %s: %s", e.Code, e.Message)
}

// readOneMessage blocks on small reads from r until dec.Next yields a
// complete message or an error occurs.
func readOneMessage(r io.Reader, dec *wire.Decoder) (wire.Message, error) {
	buf := make([]byte, 64*1024)
	for {
		msg, err := dec.Next()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, wire.ErrNeedMore) {
			return nil, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

func (s *Session) serve(ctx context.Context, conn transport.Connection, control transport.Stream) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() { errCh <- s.controlLoop(serveCtx, control) }()
	go func() { errCh <- s.acceptDataStreams(serveCtx, conn) }()

	select {
	case err := <-errCh:
		return err
	case <-s.disconnect:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) controlLoop(ctx context.Context, control transport.Stream) error {
	dec := wire.NewDecoder()
	for {
		msg, err := readOneMessage(control, dec)
		if err != nil {
			return fmt.Errorf("control stream: %w", err)
		}

		switch m := msg.(type) {
		case *wire.Ping:
			s.writeMu.Lock()
			err := wire.Encode(control, &wire.Pong{TimestampMS: m.TimestampMS})
			s.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
		case *wire.HTTPRequest:
			go s.handleHTTPRequest(ctx, control, m)
		case *wire.Disconnect:
			return fmt.Errorf("relay disconnected: %s", m.Reason)
		case *wire.ErrorMessage:
			s.log.Warn("relay error message", "code", m.Code, "message", m.Message)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (s *Session) acceptDataStreams(ctx context.Context, conn transport.Connection) error {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return fmt.Errorf("accept data stream: %w", err)
		}
		go s.handleDataStream(ctx, stream)
	}
}

// handleDataStream reads a TCPOpen header off a freshly accepted
// stream, dials the local target, and bridges bytes bidirectionally
// with a two-goroutine io.Copy pump — the client-side half of the
// relay's TCP forwarding path.
func (s *Session) handleDataStream(ctx context.Context, stream transport.Stream) {
	defer stream.Close()

	dec := wire.NewDecoder()
	msg, err := readOneMessage(stream, dec)
	if err != nil {
		s.log.Error("data stream: read open header", "error", err)
		return
	}
	open, ok := msg.(*wire.TCPOpen)
	if !ok {
		s.log.Error("data stream: unexpected first message", "type", fmt.Sprintf("%T", msg))
		return
	}

	dial := s.cfg.Dial
	if dial == nil {
		dial = s.defaultDial
	}
	local, err := dial(ctx, open.TargetAddr)
	if err != nil {
		s.log.Warn("data stream: dial local target failed", "target", open.TargetAddr, "error", err)
		return
	}
	defer local.Close()

	bridge(stream, local, s.log)
}

// BodyStreamThreshold is the response body size above which
// handleHTTPRequest streams the body over a side data stream instead
// of inlining it in the HTTPResponse message (see DESIGN.md's Open
// Question decision).
const BodyStreamThreshold = 1 << 20

// handleHTTPRequest forwards one relay-delivered HTTPRequest to the
// local HTTP service and replies with an HTTPResponse on the control
// stream, streaming the body over a side stream when it exceeds
// BodyStreamThreshold.
func (s *Session) handleHTTPRequest(ctx context.Context, control transport.Stream, req *wire.HTTPRequest) {
	local, err := s.defaultDial(ctx, "")
	if err != nil {
		s.sendHTTPError(control, req.ReqID, err)
		return
	}
	defer local.Close()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, "http://local"+req.Path, bytesReader(req.Body))
	if err != nil {
		s.sendHTTPError(control, req.ReqID, err)
		return
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	if err := httpReq.Write(local); err != nil {
		s.sendHTTPError(control, req.ReqID, err)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(local), httpReq)
	if err != nil {
		s.sendHTTPError(control, req.ReqID, err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, BodyStreamThreshold+1))
	if err != nil {
		s.sendHTTPError(control, req.ReqID, err)
		return
	}

	out := &wire.HTTPResponse{ReqID: req.ReqID, Status: resp.StatusCode, Headers: resp.Header}

	if len(body) <= BodyStreamThreshold {
		out.Body = body
	} else {
		streamID, serr := s.streamLargeBody(ctx, body, resp.Body)
		if serr != nil {
			s.sendHTTPError(control, req.ReqID, serr)
			return
		}
		out.BodyStreamID = streamID
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.Encode(control, out); err != nil {
		s.log.Error("send http response", "error", err)
	}
}

// streamLargeBody opens a side stream and sends the already-read
// prefix followed by the remainder of rest, returning the stream's
// ID for the relay to correlate via HTTPResponse.BodyStreamID.
func (s *Session) streamLargeBody(ctx context.Context, prefix []byte, rest io.Reader) (uint64, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return 0, err
	}
	go func() {
		defer stream.Close()
		if _, err := stream.Write(prefix); err != nil {
			return
		}
		_, _ = io.Copy(stream, rest)
	}()
	return stream.ID(), nil
}

func (s *Session) sendHTTPError(control transport.Stream, reqID string, err error) {
	s.log.Warn("http request forwarding failed", "req_id", reqID, "error", err)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = wire.Encode(control, &wire.HTTPResponse{
		ReqID:  reqID,
		Status: http.StatusBadGateway,
		Body:   []byte(err.Error()),
	})
}

func bytesReader(b []byte) io.Reader {
	if b == nil {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func (s *Session) defaultDial(ctx context.Context, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.LocalPort))
}

// bridge copies bytes bidirectionally between a transport stream and
// a local net.Conn, half-closing the TCP side when the stream side
// runs dry so the local service sees EOF without losing its own
// response bytes — directly mirroring bridgeRawBidir.
func bridge(stream transport.Stream, local net.Conn, log *slog.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := io.Copy(local, stream)
		if err != nil {
			log.Debug("bridge stream->local ended", "error", err)
		}
		if tc, ok := local.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		_, err := io.Copy(stream, local)
		if err != nil {
			log.Debug("bridge local->stream ended", "error", err)
		}
		_ = stream.CloseWrite()
	}()

	wg.Wait()
}

// isRecoverable classifies whether err should trigger a reconnect
// (transport/timeout failures) rather than a fatal Run return (auth
// rejection, protocol version mismatch).
func (s *Session) isRecoverable(err error) bool {
	var he *HandshakeError
	if errors.As(err, &he) {
		switch he.Code {
		case wire.ErrCodeAuthFailed, wire.ErrCodeVersionMismatch:
			return false
		}
	}
	return true
}
