// Package transport defines the connection and stream abstractions
// the relay and client speak over, independent of which concrete
// wire protocol (QUIC, HTTP/2, WebSocket) carries the bytes. A
// Connection opens and accepts Streams; stream 0 on every Connection
// is reserved for the control channel carrying wire.Message frames,
// a pluggable interface so the same relay/client code runs over any
// of the three transports.
package transport

import (
	"context"
	"io"
	"net"
)

// Stream is a single bidirectional byte stream multiplexed over a
// Connection. It behaves like a net.Conn restricted to what the
// relay and client actually need, plus a half-close so the TCP
// bridge can signal EOF in one direction without tearing down the
// other.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite signals that no more data will be written, without
	// closing the read side. Implementations that cannot express a
	// half-close (e.g. a message-framed WebSocket stream) may
	// implement this as a no-op; callers must not depend on the
	// peer observing it in that case.
	CloseWrite() error

	// Close tears down both directions of the stream.
	Close() error

	// ID identifies the stream within its Connection. Stream ID 0 is
	// always the control stream.
	ID() uint64
}

// Connection is an established transport session between a relay
// and a client. One control stream (ID 0) carries wire.Message
// frames; additional streams carry raw forwarded bytes for TCP/TLS
// tunnels or framed HTTP bodies.
type Connection interface {
	// OpenStream opens a new outbound stream. The relay opens
	// streams to deliver inbound public traffic to the client; the
	// client opens its control stream and one stream for each HTTP
	// response body too large to send inline.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream blocks until the peer opens a new stream, or ctx
	// is cancelled, or the connection closes.
	AcceptStream(ctx context.Context) (Stream, error)

	// ControlStream returns the reserved stream-0 control channel,
	// opening or accepting it if necessary depending on which side
	// dialed.
	ControlStream(ctx context.Context) (Stream, error)

	// RemoteAddr is the peer's network address, for logging and
	// audit.
	RemoteAddr() net.Addr

	// PeerCertificateFingerprint returns the SHA-256 fingerprint of
	// the peer's leaf TLS certificate, or "" if the transport did
	// not perform a certificate handshake (e.g. plain WebSocket
	// behind a TLS-terminating proxy).
	PeerCertificateFingerprint() string

	// Close tears down the connection and all of its streams.
	Close() error

	// CloseWithReason tears down the connection, delivering code and
	// reason to the peer when the transport supports it (QUIC's
	// CloseWithError; best-effort on transports that don't).
	CloseWithReason(code uint64, reason string) error
}

// Dialer establishes client-side Connections to a relay.
type Dialer interface {
	// Dial connects to addr and returns an established Connection.
	// Implementations perform their own TLS handshake; insecure is
	// only honored for loopback addresses (see access.Validate-style
	// callers enforcing that at a higher layer).
	Dial(ctx context.Context, addr string, insecure bool) (Connection, error)
}

// Listener accepts relay-side Connections from clients.
type Listener interface {
	// Accept blocks until a client connects, or the listener closes.
	Accept(ctx context.Context) (Connection, error)

	// Addr is the address the listener is bound to.
	Addr() net.Addr

	// Close stops accepting new connections.
	Close() error
}

// Factory names a transport and builds its Dialer/Listener pair. The
// relay and client select a Factory by name from configuration, so
// adding a fourth transport never touches pkg/relay or pkg/client.
type Factory interface {
	Name() string
	NewDialer() Dialer
	NewListener(ctx context.Context, addr string) (Listener, error)
}
