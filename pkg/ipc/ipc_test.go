package ipc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		req := Request{Type: RequestStartTunnel, Name: "web"}
		require.NoError(t, WriteMessage(clientSide, req))
	}()

	var got Request
	require.NoError(t, ReadMessage(serverSide, &got))
	<-done

	assert.Equal(t, RequestStartTunnel, got.Type)
	assert.Equal(t, "web", got.Name)
}

func TestTunnelStatusDisplayString(t *testing.T) {
	assert.Equal(t, "◐ Starting", StatusStarting().String())
	assert.Equal(t, "● Connected", StatusConnected().String())
	assert.Equal(t, "⟳ Reconnecting (attempt 3)", StatusReconnecting(3).String())
	assert.Equal(t, "✗ Failed", StatusFailed().String())
	assert.Equal(t, "○ Stopped", StatusStopped().String())
}

func TestResponseStatusRoundTrip(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	done := make(chan struct{})

	url := "https://foo.example.test"
	resp := Response{
		Type: ResponseStatus,
		Tunnels: map[string]TunnelStatusInfo{
			"web": {Name: "web", Protocol: "http", LocalPort: 8080, PublicURL: &url, Status: StatusConnected()},
		},
	}

	go func() {
		defer close(done)
		require.NoError(t, WriteMessage(clientSide, resp))
	}()

	var got Response
	require.NoError(t, ReadMessage(serverSide, &got))
	<-done

	require.Contains(t, got.Tunnels, "web")
	assert.Equal(t, "http", got.Tunnels["web"].Protocol)
	assert.Equal(t, displayConnected, got.Tunnels["web"].Status.Kind)
}
