package ws

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialAndControlStreamRoundTrip(t *testing.T) {
	handler := NewHandler()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	listener := NewListenerFromHandler(handler, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		stream, err := conn.ControlStream(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(stream, buf); err != nil {
			serverDone <- err
			return
		}
		if string(buf) != "hello" {
			serverDone <- assertError("unexpected payload")
			return
		}
		_, err = stream.Write([]byte("world"))
		serverDone <- err
	}()

	dialer := NewDialer("/")
	conn, err := dialer.Dial(ctx, addr, true)
	require.NoError(t, err)
	defer conn.Close()

	stream, err := conn.ControlStream(ctx)
	require.NoError(t, err)

	_, err = stream.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	require.NoError(t, <-serverDone)
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertError(msg string) error { return testErr(msg) }
