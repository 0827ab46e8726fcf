package relay

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localup/localup/pkg/auth"
	"github.com/localup/localup/pkg/domain/counter"
	"github.com/localup/localup/pkg/transport"
	"github.com/localup/localup/pkg/wire"
)

type fakeStream struct {
	net.Conn
}

func (f fakeStream) CloseWrite() error { return nil }
func (f fakeStream) ID() uint64        { return 0 }

// relayConn adapts a net.Pipe half to transport.Connection for the
// relay-accepting side of a test connection. It only implements the
// control-stream path exercised by handshake/controlLoop/DispatchHTTP.
type relayConn struct {
	control net.Conn
}

func (c *relayConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	return nil, errors.New("relayConn: OpenStream not supported in this test")
}
func (c *relayConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (c *relayConn) ControlStream(ctx context.Context) (transport.Stream, error) {
	return fakeStream{c.control}, nil
}
func (c *relayConn) RemoteAddr() net.Addr                             { return &net.TCPAddr{} }
func (c *relayConn) PeerCertificateFingerprint() string               { return "" }
func (c *relayConn) Close() error                                     { return c.control.Close() }
func (c *relayConn) CloseWithReason(code uint64, reason string) error { return c.Close() }

type relayListener struct {
	conns chan *relayConn
}

func newRelayListener() *relayListener { return &relayListener{conns: make(chan *relayConn, 1)} }

func (l *relayListener) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (l *relayListener) Addr() net.Addr { return &net.TCPAddr{} }
func (l *relayListener) Close() error   { return nil }

type fakeAuth struct{}

func (fakeAuth) Validate(ctx context.Context, token string) (auth.Result, error) {
	if token != "good" {
		return auth.Result{}, errors.New("bad token")
	}
	return auth.Result{TunnelID: "tunnel-1"}, nil
}

func TestHandshakeRegistersRouteAndDispatchesHTTP(t *testing.T) {
	srv := NewServer(Config{
		Auth:       fakeAuth{},
		Domain:     counter.New("example.test"),
		BaseDomain: "example.test",
	})

	clientSide, serverSide := net.Pipe()
	ln := newRelayListener()
	ln.conns <- &relayConn{control: serverSide}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go srv.Serve(ctx, ln)

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		dec := wire.NewDecoder()
		buf := make([]byte, 4096)

		readMsg := func() wire.Message {
			for {
				msg, err := dec.Next()
				if err == nil {
					return msg
				}
				n, rerr := clientSide.Read(buf)
				if n > 0 {
					dec.Feed(buf[:n])
				}
				if rerr != nil {
					return nil
				}
			}
		}

		_ = wire.Encode(clientSide, &wire.Handshake{
			Token:     "good",
			Protocols: []wire.ProtocolRequest{{Kind: "http", Subdomain: "foo"}},
		})

		ack, ok := readMsg().(*wire.HandshakeAck)
		if !ok || ack == nil {
			return
		}

		req, ok := readMsg().(*wire.HTTPRequest)
		if !ok || req == nil {
			return
		}
		_ = wire.Encode(clientSide, &wire.HTTPResponse{ReqID: req.ReqID, Status: 200, Body: []byte("hi")})
	}()

	require.Eventually(t, func() bool {
		return srv.Registry().Count() > 0
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := srv.DispatchHTTP(ctx, "foo.example.test", &wire.HTTPRequest{Method: "GET", Path: "/"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "hi", string(resp.Body))

	<-clientDone
}

func TestDispatchHTTPUnknownHostFails(t *testing.T) {
	srv := NewServer(Config{Auth: fakeAuth{}, BaseDomain: "example.test"})
	_, err := srv.DispatchHTTP(context.Background(), "nowhere.example.test", &wire.HTTPRequest{})
	assert.Error(t, err)
}
