// Package worker runs the frame source in a child process.
//
// A camera library that segfaults or leaks takes the child down instead of the
// recorder. The child (recorderd -capture-worker) opens the configured source
// and streams records to stdout:
//
//	[4-byte big-endian length][msgpack Message]
//
// The first record is either ready (source opened, shape attached) or a fatal
// error. After that every read produces a frame or a read error record. The
// child exits when its stdin is closed.
package worker

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/care/orion-recorder/internal/types"
)

// MaxMessageSize bounds a single record (a 4K BGR frame is ~25 MB)
const MaxMessageSize = 64 << 20

// Message types
const (
	MsgReady = "ready"
	MsgFrame = "frame"
	MsgError = "error"
)

// Message is one record of the child's stdout stream
type Message struct {
	Type        string `msgpack:"type"`
	Seq         uint64 `msgpack:"seq,omitempty"`
	TimestampNS int64  `msgpack:"ts,omitempty"`
	Width       int    `msgpack:"w,omitempty"`
	Height      int    `msgpack:"h,omitempty"`
	Channels    int    `msgpack:"c,omitempty"`
	Data        []byte `msgpack:"data,omitempty"`
	TraceID     string `msgpack:"trace_id,omitempty"`
	Error       string `msgpack:"error,omitempty"`
	// Fatal marks an error after which the child exits
	Fatal bool `msgpack:"fatal,omitempty"`
}

// FrameMessage builds a frame record
func FrameMessage(f types.Frame) *Message {
	return &Message{
		Type:        MsgFrame,
		Seq:         f.Seq,
		TimestampNS: f.Timestamp.UnixNano(),
		Width:       f.Width,
		Height:      f.Height,
		Channels:    f.Channels,
		Data:        f.Data,
		TraceID:     f.TraceID,
	}
}

// Frame converts a frame record back into a frame
func (m *Message) Frame() types.Frame {
	return types.Frame{
		Seq:       m.Seq,
		Timestamp: time.Unix(0, m.TimestampNS),
		Width:     m.Width,
		Height:    m.Height,
		Channels:  m.Channels,
		Data:      m.Data,
		TraceID:   m.TraceID,
	}
}

// WriteMessage writes one length-prefixed record
func WriteMessage(w io.Writer, m *Message) error {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed record. io.EOF means the stream ended
// cleanly between records.
func ReadMessage(r io.Reader) (*Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit of %d", size, MaxMessageSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", size, err)
	}

	var m Message
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return &m, nil
}
