// Package cvencoder writes clips through OpenCV's VideoWriter, so any FourCC
// the local OpenCV build supports (XVID, MP4V, H264...) can be recorded.
//
// VideoWriter fixes the frame rate when the file is opened, but the achieved
// rate is only known at close. Frames are therefore spooled as MJPEG into the
// storage scratch directory and transcoded into the final file by Close.
package cvencoder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/care/orion-recorder/internal/encoder"
	"github.com/care/orion-recorder/internal/types"
)

// Encoder implements encoder.Encoder with gocv
type Encoder struct {
	scratchDir string
	spool      *encoder.AVI
	logger     *slog.Logger
}

// New creates an OpenCV encoder spooling into scratchDir
func New(scratchDir string, logger *slog.Logger) *Encoder {
	return &Encoder{
		scratchDir: scratchDir,
		spool:      encoder.NewAVI(95),
		logger:     logger.With("component", "cv_encoder"),
	}
}

// Name implements encoder.Encoder
func (e *Encoder) Name() string { return "opencv" }

// Open implements encoder.Encoder
func (e *Encoder) Open(path, codec string, fps float64, shape types.Shape) (encoder.Writer, error) {
	if len(codec) != 4 {
		return nil, fmt.Errorf("fourcc must be 4 characters, got %q", codec)
	}
	if err := os.MkdirAll(e.scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}

	spoolPath := filepath.Join(e.scratchDir, uuid.NewString()+".avi")
	spool, err := e.spool.Open(spoolPath, encoder.CodecMJPG, fps, shape)
	if err != nil {
		return nil, err
	}

	return &writer{
		spool:     spool,
		spoolPath: spoolPath,
		path:      path,
		codec:     codec,
		nominal:   fps,
		shape:     shape,
		logger:    e.logger,
	}, nil
}

type writer struct {
	spool     encoder.Writer
	spoolPath string
	path      string
	codec     string
	nominal   float64
	shape     types.Shape
	logger    *slog.Logger
	closed    bool
}

func (w *writer) Write(frame types.Frame) error {
	if w.closed {
		return encoder.ErrWriterClosed
	}
	return w.spool.Write(frame)
}

func (w *writer) Close(achievedFPS float64) error {
	if w.closed {
		return encoder.ErrWriterClosed
	}
	w.closed = true
	defer os.Remove(w.spoolPath)

	fps := encoder.PlaybackFPS(achievedFPS, w.nominal)
	if err := w.spool.Close(fps); err != nil {
		return fmt.Errorf("failed to finalize spool: %w", err)
	}

	start := time.Now()
	frames, err := w.transcode(fps)
	if err != nil {
		return err
	}

	w.logger.Debug("clip transcoded",
		"path", w.path,
		"codec", w.codec,
		"fps", fps,
		"frames", frames,
		"duration", time.Since(start),
	)
	return nil
}

// transcode decodes the spool and writes every frame into the final file
func (w *writer) transcode(fps float64) (int, error) {
	capture, err := gocv.VideoCaptureFile(w.spoolPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open spool: %w", err)
	}
	defer capture.Close()

	vw, err := gocv.VideoWriterFile(w.path, w.codec, fps, w.shape.Width, w.shape.Height, w.shape.Channels != 1)
	if err != nil {
		return 0, fmt.Errorf("failed to open video writer: %w", err)
	}
	defer vw.Close()

	mat := gocv.NewMat()
	defer mat.Close()

	frames := 0
	for capture.Read(&mat) {
		if mat.Empty() {
			continue
		}
		if w.shape.Channels == 1 && mat.Channels() != 1 {
			gocv.CvtColor(mat, &mat, gocv.ColorBGRToGray)
		}
		if err := vw.Write(mat); err != nil {
			return frames, fmt.Errorf("failed to write frame %d: %w", frames, err)
		}
		frames++
	}
	return frames, nil
}
