package types

import (
	"fmt"
	"time"
)

// Frame represents a single decoded video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the capture loop
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Channels per pixel (3 for BGR24)
	Channels int
	// Data contains packed pixel rows (BGR24 by default)
	Data []byte
	// TraceID is a unique identifier for following a frame through logs
	TraceID string
}

// Shape returns the pixel layout of the frame
func (f Frame) Shape() Shape {
	return Shape{Width: f.Width, Height: f.Height, Channels: f.Channels}
}

// Clone returns a deep copy of the frame. The copy shares no memory with f.
func (f Frame) Clone() Frame {
	c := f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return c
}

// Shape is the fixed pixel layout of every frame in a pipeline run
type Shape struct {
	Width    int
	Height   int
	Channels int
}

// Size returns the expected byte length of a frame with this shape
func (s Shape) Size() int {
	return s.Width * s.Height * s.Channels
}

// IsZero reports whether the shape has not been established yet
func (s Shape) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Channels)
}

// Resolution is a requested output size. The zero value means "native".
type Resolution struct {
	Width  int
	Height int
}

// Native reports whether frames keep the source resolution
func (r Resolution) Native() bool {
	return r.Width == 0 || r.Height == 0
}

func (r Resolution) String() string {
	if r.Native() {
		return "native"
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}
