package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Message{
		Handshake{Token: "tok", Protocols: []ProtocolRequest{{Kind: "http", LocalPort: 3000, Subdomain: "myapp"}}},
		HandshakeAck{TunnelID: "t1", Endpoints: []Endpoint{{Protocol: "http", Host: "myapp.relay.example"}}},
		Ping{TimestampMS: 123},
		Pong{TimestampMS: 456},
		HTTPRequest{ReqID: "r1", Method: "GET", Path: "/", Headers: map[string][]string{"X-Test": {"1"}}},
		HTTPResponse{ReqID: "r1", Status: 200, Body: []byte("hi")},
		TCPOpen{StreamID: 7, TargetAddr: "10.0.0.1:22"},
		TCPData{StreamID: 7, Data: []byte{1, 2, 3}},
		TCPClose{StreamID: 7, Reason: ReasonEOF},
		Disconnect{Reason: "shutdown"},
		ErrorMessage{Code: ErrCodeAuthFailed, Message: "nope"},
	}

	for _, m := range cases {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, m))

		d := NewDecoder()
		d.Feed(buf.Bytes())
		got, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestDecodeIncompleteLeavesBufferIntact(t *testing.T) {
	full, err := EncodeBytes(Ping{TimestampMS: 1})
	require.NoError(t, err)

	d := NewDecoder()

	// Less than 4 bytes: need more.
	d.Feed(full[:2])
	_, err = d.Next()
	assert.ErrorIs(t, err, ErrNeedMore)

	// Header complete but payload still short.
	d.Feed(full[2 : len(full)-1])
	_, err = d.Next()
	assert.ErrorIs(t, err, ErrNeedMore)

	// Feed the final byte; now it decodes.
	d.Feed(full[len(full)-1:])
	got, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, Ping{TimestampMS: 1}, got)
}

func TestDecodeMultipleMessages(t *testing.T) {
	f1, _ := EncodeBytes(Ping{TimestampMS: 1})
	f2, _ := EncodeBytes(Pong{TimestampMS: 2})

	d := NewDecoder()
	d.Feed(f1)
	d.Feed(f2)

	msgs, err := d.DecodeAll()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, Ping{TimestampMS: 1}, msgs[0])
	assert.Equal(t, Pong{TimestampMS: 2}, msgs[1])
}

func TestMessageTooLarge(t *testing.T) {
	d := NewDecoder()
	var header [4]byte
	header[0] = 0xFF // length far exceeding MaxFrameSize
	d.Feed(header[:])
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestEncodeExactlyMaxFrameSizeBoundary(t *testing.T) {
	// A TCPData payload sized so the gob-encoded frame sits right at
	// the boundary is impractical to construct exactly; instead verify
	// that a payload comfortably under the limit encodes fine and that
	// MessageTooLarge is returned (not silently truncated) over it.
	data := make([]byte, MaxFrameSize-1024)
	m := TCPData{StreamID: 1, Data: data}
	_, err := EncodeBytes(m)
	require.NoError(t, err)

	_, err = EncodeBytes(TCPData{StreamID: 1, Data: make([]byte, MaxFrameSize+1)})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}
