// Package ws implements pkg/transport as a fallback for networks
// that block raw QUIC/UDP or HTTP/2 CONNECT, using
// github.com/coder/websocket for a single message-oriented
// connection. A single WebSocket connection carries every logical
// stream multiplexed behind a small stream_id(u32 BE) ‖ kind(u8) ‖
// payload frame, since WebSocket itself only offers one ordered
// message stream per connection.
package ws

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/localup/localup/pkg/transport"
)

type frameKind byte

const (
	frameData      frameKind = 0
	frameOpen      frameKind = 1
	frameCloseRead frameKind = 2 // peer CloseWrite: no more data incoming on this stream
	frameClose     frameKind = 3 // stream torn down entirely
)

const headerSize = 4 + 1 // stream id + kind

func encodeFrame(id uint32, kind frameKind, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(kind)
	copy(buf[headerSize:], payload)
	return buf
}

func decodeFrame(b []byte) (id uint32, kind frameKind, payload []byte, err error) {
	if len(b) < headerSize {
		return 0, 0, nil, fmt.Errorf("ws: short frame (%d bytes)", len(b))
	}
	id = binary.BigEndian.Uint32(b[0:4])
	kind = frameKind(b[4])
	payload = b[headerSize:]
	return id, kind, payload, nil
}

// Stream is one logical multiplexed stream over a shared WebSocket
// connection.
type Stream struct {
	id   uint32
	conn *Connection

	mu      sync.Mutex
	buf     bytes.Buffer
	incoming chan []byte
	readErr  error

	closeWriteOnce sync.Once
	closeOnce      sync.Once
}

func newStream(id uint32, conn *Connection) *Stream {
	return &Stream{id: id, conn: conn, incoming: make(chan []byte, 64)}
}

// deliver hands payload to the stream's reader. It blocks the shared
// demux goroutine on a slow consumer rather than dropping data, but
// gives up once the connection is torn down.
func (s *Stream) deliver(b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case s.incoming <- cp:
	case <-s.conn.closed:
	}
}

func (s *Stream) markReadClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr == nil {
		s.readErr = errEOF
	}
}

var errEOF = fmt.Errorf("ws: stream closed by peer")

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.buf.Len() > 0 {
		n, _ := s.buf.Read(p)
		s.mu.Unlock()
		return n, nil
	}
	readErr := s.readErr
	s.mu.Unlock()

	if readErr != nil {
		return 0, readErr
	}

	select {
	case b, ok := <-s.incoming:
		if !ok {
			return 0, errEOF
		}
		n := copy(p, b)
		if n < len(b) {
			s.mu.Lock()
			s.buf.Write(b[n:])
			s.mu.Unlock()
		}
		return n, nil
	case <-s.conn.closed:
		return 0, errEOF
	}
}

func (s *Stream) Write(p []byte) (int, error) {
	if err := s.conn.send(s.id, frameData, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Stream) CloseWrite() error {
	var err error
	s.closeWriteOnce.Do(func() {
		err = s.conn.send(s.id, frameCloseRead, nil)
	})
	return err
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.send(s.id, frameClose, nil)
		s.conn.removeStream(s.id)
		close(s.incoming)
	})
	return err
}

func (s *Stream) ID() uint64 { return uint64(s.id) }

// Connection multiplexes transport.Stream instances over one
// *websocket.Conn.
type Connection struct {
	ws         *websocket.Conn
	remoteAddr net.Addr
	fingerprint string

	writeMu sync.Mutex

	mu       sync.Mutex
	streams  map[uint32]*Stream
	accepted chan *Stream
	nextID   atomic.Uint32
	isDialer bool

	closed chan struct{}
	closeOnce sync.Once
}

func newConnection(c *websocket.Conn, remoteAddr net.Addr, fingerprint string, isDialer bool) *Connection {
	conn := &Connection{
		ws:          c,
		remoteAddr:  remoteAddr,
		fingerprint: fingerprint,
		streams:     make(map[uint32]*Stream),
		accepted:    make(chan *Stream, 16),
		isDialer:    isDialer,
		closed:      make(chan struct{}),
	}
	if isDialer {
		conn.nextID.Store(1)
	} else {
		conn.nextID.Store(2)
	}
	go conn.readPump()
	return conn
}

func (c *Connection) readPump() {
	ctx := context.Background()
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.Close()
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		id, kind, payload, err := decodeFrame(data)
		if err != nil {
			continue
		}

		c.mu.Lock()
		stream, ok := c.streams[id]
		if !ok && kind != frameClose {
			stream = newStream(id, c)
			c.streams[id] = stream
		}
		c.mu.Unlock()

		switch kind {
		case frameOpen:
			select {
			case c.accepted <- stream:
			case <-c.closed:
				return
			}
		case frameData:
			if stream != nil {
				stream.deliver(payload)
			}
		case frameCloseRead:
			if stream != nil {
				stream.markReadClosed()
			}
		case frameClose:
			c.removeStream(id)
		}
	}
}

func (c *Connection) send(id uint32, kind frameKind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(context.Background(), websocket.MessageBinary, encodeFrame(id, kind, payload))
}

func (c *Connection) removeStream(id uint32) {
	c.mu.Lock()
	s, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok {
		s.markReadClosed()
	}
}

func (c *Connection) OpenStream(ctx context.Context) (transport.Stream, error) {
	id := c.nextID.Add(2) - 2
	s := newStream(id, c)
	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()
	if err := c.send(id, frameOpen, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Connection) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.accepted:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("ws: connection closed")
	}
}

// controlID is the fixed stream id reserved for the control channel
// on every WebSocket-transported connection, dialer and acceptor
// alike, since unlike QUIC there is no natural "stream 0" — the
// dialer's first OpenStream call would otherwise race the acceptor's
// AcceptStream on an arbitrary id.
const controlID = 0

func (c *Connection) ControlStream(ctx context.Context) (transport.Stream, error) {
	c.mu.Lock()
	s, ok := c.streams[controlID]
	if !ok {
		s = newStream(controlID, c)
		c.streams[controlID] = s
	}
	c.mu.Unlock()
	if c.isDialer && !ok {
		if err := c.send(controlID, frameOpen, nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *Connection) PeerCertificateFingerprint() string { return c.fingerprint }

func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

func (c *Connection) CloseWithReason(code uint64, reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.ws.Close(websocket.StatusCode(code), reason)
}

// Dialer establishes client-side connections by dialing a ws:// or
// wss:// URL built from the relay address.
type Dialer struct {
	Path string // URL path the relay's HTTP handler mounts the upgrade on
}

// NewDialer returns a Dialer that upgrades against Path (default
// "/localup/ws" if empty).
func NewDialer(path string) *Dialer {
	if path == "" {
		path = "/localup/ws"
	}
	return &Dialer{Path: path}
}

func (d *Dialer) Dial(ctx context.Context, addr string, insecure bool) (transport.Connection, error) {
	scheme := "wss"
	if insecure {
		scheme = "ws"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, addr, d.Path)

	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	c.SetReadLimit(32 << 20)

	raddr, _ := net.ResolveTCPAddr("tcp", addr)
	return newConnection(c, raddr, "", true), nil
}

// Handler upgrades incoming HTTP requests to WebSocket connections
// and delivers them to Accept. The relay mounts Handler.ServeHTTP at
// the Dialer's Path.
type Handler struct {
	accepted chan *Connection
	closed   chan struct{}
}

// NewHandler returns a Handler ready to be mounted as an
// http.Handler and passed to NewListenerFromHandler.
func NewHandler() *Handler {
	return &Handler{accepted: make(chan *Connection, 16), closed: make(chan struct{})}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c.SetReadLimit(32 << 20)

	var fingerprint string
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		fingerprint = fmt.Sprintf("%x", sha256.Sum256(r.TLS.PeerCertificates[0].Raw))
	}

	conn := newConnection(c, addrFromRequest(r), fingerprint, false)
	select {
	case h.accepted <- conn:
	case <-h.closed:
		conn.Close()
	}
}

func addrFromRequest(r *http.Request) net.Addr {
	addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	if err != nil {
		return &net.TCPAddr{}
	}
	return addr
}

// Listener adapts a Handler into a transport.Listener for code that
// expects to Accept() connections rather than run an http.Handler.
type Listener struct {
	handler *Handler
	addr    net.Addr
}

// NewListenerFromHandler wraps h, which must already be mounted and
// serving, as a transport.Listener.
func NewListenerFromHandler(h *Handler, addr net.Addr) *Listener {
	return &Listener{handler: h, addr: addr}
}

func (l *Listener) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-l.handler.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.handler.closed:
		return nil, fmt.Errorf("ws: listener closed")
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

// Factory is the transport.Factory implementation for WebSocket.
// NewListener is not supported directly (WebSocket listening rides
// on an existing http.Server's mux via NewHandler/NewListenerFromHandler)
// so it always errors; callers that need a WebSocket transport.Listener
// build one explicitly with those two functions instead of going
// through the generic Factory interface.
type Factory struct {
	path string
}

// NewFactory returns a Factory whose Dialer upgrades at path.
func NewFactory(path string) *Factory {
	return &Factory{path: path}
}

func (f *Factory) Name() string { return "websocket" }

func (f *Factory) NewDialer() transport.Dialer { return NewDialer(f.path) }

func (f *Factory) NewListener(ctx context.Context, addr string) (transport.Listener, error) {
	return nil, fmt.Errorf("ws: use NewHandler + NewListenerFromHandler instead of Factory.NewListener")
}
