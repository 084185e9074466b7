package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/care/orion-recorder/internal/source"
)

// Serve opens src and streams its frames to w until ctx is cancelled, the
// source is closed or w fails (parent gone). A source that cannot be opened
// is reported as a fatal record and returned.
func Serve(ctx context.Context, src source.Source, w io.Writer, logger *slog.Logger) error {
	logger = logger.With("component", "capture_worker")

	if err := src.Open(ctx); err != nil {
		if werr := WriteMessage(w, &Message{Type: MsgError, Error: err.Error(), Fatal: true}); werr != nil {
			logger.Error("failed to report open failure", "error", werr)
		}
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer src.Close()

	if err := WriteMessage(w, &Message{Type: MsgReady}); err != nil {
		return err
	}
	logger.Info("capture worker ready")

	var frames, failures uint64
	defer func() {
		logger.Info("capture worker stopped", "frames", frames, "read_failures", failures)
	}()

	for {
		frame, err := src.Read(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var msg *Message
		switch {
		case err == nil:
			frames++
			msg = FrameMessage(frame)
		case errors.Is(err, source.ErrClosed):
			WriteMessage(w, &Message{Type: MsgError, Error: err.Error(), Fatal: true})
			return nil
		default:
			failures++
			msg = &Message{Type: MsgError, Error: err.Error()}
		}

		if err := WriteMessage(w, msg); err != nil {
			return fmt.Errorf("parent stopped reading: %w", err)
		}
	}
}

// CancelOnEOF returns a context cancelled when r reaches EOF (or fails). The
// child watches its stdin with it so closing the pipe stops the worker.
func CancelOnEOF(ctx context.Context, r io.Reader) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		io.Copy(io.Discard, r)
	}()
	return ctx, cancel
}
