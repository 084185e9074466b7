// Package source defines the frame source contract consumed by the capture
// loop and ships a synthetic implementation for tests and dry runs.
//
// Concrete backends live in subpackages:
//   - gstsource: GStreamer (RTSP, files, any URI GStreamer can decode)
//   - cvsource: OpenCV VideoCapture
//   - worker.ProcessSource: frames streamed from an isolated child process
package source

import (
	"context"
	"errors"

	"github.com/care/orion-recorder/internal/types"
)

var (
	// ErrNotOpen is returned by Read before Open succeeded
	ErrNotOpen = errors.New("source: not open")
	// ErrClosed is returned by Read after Close
	ErrClosed = errors.New("source: closed")
	// ErrNoFrame is a transient read failure (nothing decoded in time, EOS).
	// The capture loop counts it as a miss.
	ErrNoFrame = errors.New("source: no frame")
)

// Source delivers decoded frames.
//
// Read blocks until one frame is decoded, the source's own read timeout
// elapses (ErrNoFrame) or ctx is done. The returned Data may be reused by the
// source on the next Read; callers that keep a frame must copy it.
type Source interface {
	// Open connects to the underlying stream. A failure here is fatal-source.
	Open(ctx context.Context) error
	// Read returns the next decoded frame
	Read(ctx context.Context) (types.Frame, error)
	// Close releases the stream. Safe to call more than once.
	Close() error
}
