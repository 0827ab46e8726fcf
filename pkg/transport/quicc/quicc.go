// Package quicc implements pkg/transport over QUIC, the primary
// transport, using quic.DialAddr / OpenStreamSync / AcceptStream and
// tls.Config / quic.Config tuning (MaxIdleTimeout, KeepAlivePeriod,
// Allow0RTT) behind the transport.Dialer/Listener interfaces so the
// relay and client don't import quic-go directly.
package quicc

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/localup/localup/pkg/transport"
)

// NextProto is the ALPN protocol identifier negotiated on every
// localup QUIC connection.
const NextProto = "localup-tunnel"

var quicConfig = &quic.Config{
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 10 * time.Second,
	Allow0RTT:       true,
}

// Stream wraps a *quic.Stream to satisfy transport.Stream.
type Stream struct {
	s *quic.Stream
}

func (s *Stream) Read(p []byte) (int, error)  { return s.s.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.s.Write(p) }
func (s *Stream) Close() error {
	s.s.CancelRead(0)
	return s.s.Close()
}
func (s *Stream) CloseWrite() error { return s.s.Close() }
func (s *Stream) ID() uint64        { return uint64(s.s.StreamID()) }

// Connection wraps a *quic.Conn to satisfy transport.Connection.
type Connection struct {
	conn     *quic.Conn
	control  *Stream
	isDialer bool
}

func fingerprintFromConn(conn *quic.Conn) string {
	state := conn.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	sum := sha256.Sum256(state.PeerCertificates[0].Raw)
	return hex.EncodeToString(sum[:])
}

func (c *Connection) OpenStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicc: open stream: %w", err)
	}
	return &Stream{s: s}, nil
}

func (c *Connection) AcceptStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicc: accept stream: %w", err)
	}
	return &Stream{s: s}, nil
}

// ControlStream returns the reserved control channel. The dialing
// side opens stream 0 for handshake/auth; the accepting side accepts
// whichever stream the peer opens first, which by protocol
// convention is always the control stream.
func (c *Connection) ControlStream(ctx context.Context) (transport.Stream, error) {
	if c.control != nil {
		return c.control, nil
	}
	if c.isDialer {
		s, err := c.conn.OpenStreamSync(ctx)
		if err != nil {
			return nil, fmt.Errorf("quicc: open control stream: %w", err)
		}
		c.control = &Stream{s: s}
		return c.control, nil
	}
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicc: accept control stream: %w", err)
	}
	c.control = &Stream{s: s}
	return c.control, nil
}

func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Connection) PeerCertificateFingerprint() string { return fingerprintFromConn(c.conn) }

func (c *Connection) Close() error {
	return c.conn.CloseWithError(0, "closed")
}

func (c *Connection) CloseWithReason(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// Dialer establishes client-side QUIC connections.
type Dialer struct{}

// NewDialer returns a Dialer. Stateless: QUIC dials carry all
// configuration per-call via Dial's insecure flag and the fixed
// quicConfig above.
func NewDialer() *Dialer { return &Dialer{} }

func (d *Dialer) Dial(ctx context.Context, addr string, insecure bool) (transport.Connection, error) {
	tlsConf := &tls.Config{
		NextProtos:         []string{NextProto},
		InsecureSkipVerify: insecure, //nolint:gosec // only honored for loopback by the caller
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quicc: dial %s: %w", addr, err)
	}
	return &Connection{conn: conn, isDialer: true}, nil
}

// Listener accepts relay-side QUIC connections.
type Listener struct {
	ln *quic.Listener
}

func newListener(addr string, tlsConf *tls.Config) (*Listener, error) {
	conf := tlsConf.Clone()
	conf.NextProtos = []string{NextProto}
	ln, err := quic.ListenAddr(addr, conf, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quicc: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Accept(ctx context.Context) (transport.Connection, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quicc: accept: %w", err)
	}
	return &Connection{conn: conn, isDialer: false}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Factory is the transport.Factory implementation for QUIC. A
// Listener needs a server TLS certificate (unlike the Dialer, which
// can run insecure against loopback), so Factory is constructed with
// one via NewFactory rather than built zero-value.
type Factory struct {
	tlsConf *tls.Config
}

// NewFactory returns a Factory whose listeners present tlsConf.
func NewFactory(tlsConf *tls.Config) *Factory {
	return &Factory{tlsConf: tlsConf}
}

func (f *Factory) Name() string { return "quic" }

func (f *Factory) NewDialer() transport.Dialer { return NewDialer() }

func (f *Factory) NewListener(ctx context.Context, addr string) (transport.Listener, error) {
	return newListener(addr, f.tlsConf)
}
