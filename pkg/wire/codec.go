package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize is the maximum payload size of a single frame. Frames
// declaring a larger length are a fatal protocol error.
const MaxFrameSize = 16 * 1024 * 1024 // 16 MiB

// ErrMessageTooLarge is returned by Decoder.Next when a frame's declared
// length exceeds MaxFrameSize.
var ErrMessageTooLarge = errors.New("wire: frame exceeds max message size")

// ErrNeedMore is returned by Decoder.Next when the buffer does not yet
// hold a complete frame. The caller should Feed more bytes and retry;
// the buffer is left untouched.
var ErrNeedMore = errors.New("wire: need more data")

var registerOnce sync.Once

// registerTypes registers every concrete Message variant with gob so
// that an interface value (Message) can be round-tripped.
func registerTypes() {
	registerOnce.Do(func() {
		gob.Register(Handshake{})
		gob.Register(HandshakeAck{})
		gob.Register(Ping{})
		gob.Register(Pong{})
		gob.Register(HTTPRequest{})
		gob.Register(HTTPResponse{})
		gob.Register(TCPOpen{})
		gob.Register(TCPData{})
		gob.Register(TCPClose{})
		gob.Register(Disconnect{})
		gob.Register(ErrorMessage{})
	})
}

// Encode writes one length-prefixed frame to w: a 4-byte big-endian
// length followed by the gob-encoded message.
func Encode(w io.Writer, m Message) error {
	registerTypes()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&m); err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	if buf.Len() > MaxFrameSize {
		return ErrMessageTooLarge
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// EncodeBytes is a convenience wrapper returning the encoded frame as
// a standalone byte slice (used by the WebSocket fallback transport,
// which frames at the message boundary rather than a stream).
func EncodeBytes(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decoder performs buffered, re-entrant frame decoding: partial frames
// across multiple Feed calls leave the buffer intact until a complete
// frame is available. This mirrors a bincode-style length-prefixed
// codec's decode/decode_all split, generalized to an interface-typed
// message set via gob.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	registerTypes()
	return &Decoder{}
}

// Feed appends newly read bytes to the internal buffer.
func (d *Decoder) Feed(data []byte) {
	d.buf.Write(data)
}

// Next attempts to decode one complete frame from the buffer. It
// returns ErrNeedMore if fewer than 4+len bytes are buffered, and
// ErrMessageTooLarge (without consuming anything) if the declared
// length exceeds MaxFrameSize.
func (d *Decoder) Next() (Message, error) {
	raw := d.buf.Bytes()
	if len(raw) < 4 {
		return nil, ErrNeedMore
	}

	length := binary.BigEndian.Uint32(raw[:4])
	if length > MaxFrameSize {
		return nil, ErrMessageTooLarge
	}
	total := 4 + int(length)
	if len(raw) < total {
		return nil, ErrNeedMore
	}

	payload := raw[4:total]
	var m Message
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&m); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}

	// Only now consume the complete frame, leaving any trailing
	// partial data in the buffer untouched.
	d.buf.Next(total)

	return m, nil
}

// DecodeAll drains every complete frame currently buffered, stopping
// at the first ErrNeedMore (which is not an error for the caller).
func (d *Decoder) DecodeAll() ([]Message, error) {
	var msgs []Message
	for {
		m, err := d.Next()
		if errors.Is(err, ErrNeedMore) {
			return msgs, nil
		}
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, m)
	}
}
