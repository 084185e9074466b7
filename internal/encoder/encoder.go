// Package encoder turns frame sequences into clip files.
//
// The export loop is the only caller: it opens one Writer per clip, appends
// frames in capture order and closes the writer exactly once at rollover or
// forced close. The playback rate is only known at close time (frames
// written / elapsed seconds), so Close receives it and the encoder stamps it
// into the finished file.
//
// Implementations:
//   - AVI: pure Go MJPEG-in-AVI muxer (default, no cgo)
//   - cvencoder: OpenCV VideoWriter, any FourCC OpenCV was built with
package encoder

import (
	"errors"
	"fmt"

	"github.com/care/orion-recorder/internal/types"
)

var (
	// ErrWriterClosed is returned by Write and Close after the first Close
	ErrWriterClosed = errors.New("encoder: writer closed")
	// ErrShapeMismatch is returned by Write for a frame whose shape differs
	// from the shape the writer was opened with
	ErrShapeMismatch = errors.New("encoder: frame shape mismatch")
	// ErrClipFull is returned by Write when the frame does not fit the
	// container's size limit. Nothing was written; the caller closes the
	// writer and continues in a new clip.
	ErrClipFull = errors.New("encoder: clip reached container size limit")
)

// Encoder opens clip writers
type Encoder interface {
	// Name identifies the encoder in logs and config ("avi", "opencv")
	Name() string
	// Open creates path and prepares it for frames of the given shape.
	// fps is the nominal rate, used if Close is given no achieved rate.
	Open(path, codec string, fps float64, shape types.Shape) (Writer, error)
}

// Writer appends frames to one clip file. Not safe for concurrent use.
type Writer interface {
	// Write appends one frame
	Write(frame types.Frame) error
	// Close finalizes the file with the achieved frame rate (<= 0 keeps the
	// nominal rate). Only the first call has an effect.
	Close(achievedFPS float64) error
}

// checkFrame validates a frame against the writer shape
func checkFrame(frame types.Frame, shape types.Shape) error {
	if frame.Shape() != shape || len(frame.Data) != shape.Size() {
		return fmt.Errorf("%w: got %v (%d bytes), want %v", ErrShapeMismatch, frame.Shape(), len(frame.Data), shape)
	}
	return nil
}

// CheckFrame is checkFrame for encoders living in subpackages
func CheckFrame(frame types.Frame, shape types.Shape) error {
	return checkFrame(frame, shape)
}

// PlaybackFPS picks the rate stamped into a finished clip
func PlaybackFPS(achieved, nominal float64) float64 {
	if achieved > 0 {
		return achieved
	}
	return nominal
}
