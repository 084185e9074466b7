// Package capture owns the source connection and feeds the frame queue.
//
// The loop reads frames at the source's native rate, optionally resizes them
// and hands each one to the queue with a bounded wait. Consecutive read
// failures are counted; once they exceed MaxMisses the loop stops with a
// fatal-source error instead of hanging on a dead camera.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/care/orion-recorder/internal/framequeue"
	"github.com/care/orion-recorder/internal/source"
	"github.com/care/orion-recorder/internal/types"
)

// Config configures the capture loop
type Config struct {
	// Resolution of queued frames; the zero value keeps the native size
	Resolution types.Resolution
	// MaxMisses is the number of consecutive read failures tolerated
	MaxMisses int
	// EnqueueTimeout bounds the wait for a free queue slot
	EnqueueTimeout time.Duration
	// MissBackoff pauses after a failed read (0 retries immediately)
	MissBackoff time.Duration
}

// Stats is a snapshot of capture counters
type Stats struct {
	Captured          uint64      `json:"captured"`
	Enqueued          uint64      `json:"enqueued"`
	Dropped           uint64      `json:"dropped"`
	Misses            uint64      `json:"misses"`
	ConsecutiveMisses int64       `json:"consecutive_misses"`
	FPS               float64     `json:"fps"`
	Native            types.Shape `json:"native"`
	Output            types.Shape `json:"output"`
	LastFrameAt       time.Time   `json:"last_frame_at"`
}

// Loop pulls frames from a source into a queue
type Loop struct {
	src    source.Source
	queue  *framequeue.Queue
	cfg    Config
	logger *slog.Logger

	resizer *Resizer
	native  types.Shape
	output  types.Shape
	first   *types.Frame
	seq     uint64

	startedAt   time.Time
	captured    atomic.Uint64
	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	misses      atomic.Uint64
	consecutive atomic.Int64
	lastFrameAt atomic.Int64
}

// New creates a capture loop. Nothing is opened until Open.
func New(src source.Source, queue *framequeue.Queue, cfg Config, logger *slog.Logger) *Loop {
	if cfg.MaxMisses <= 0 {
		cfg.MaxMisses = 20
	}
	return &Loop{
		src:    src,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With("component", "capture"),
	}
}

// Open connects the source and reads the first frame, which fixes the frame
// shape for the rest of the run. Returns the shape of queued frames (after
// resizing). Open failure and a source that never delivers a first frame are
// fatal-source.
func (l *Loop) Open(ctx context.Context) (types.Shape, error) {
	if err := l.src.Open(ctx); err != nil {
		return types.Shape{}, types.NewError(types.KindFatalSource, "open", err)
	}

	var (
		frame types.Frame
		err   error
	)
	for attempt := 0; attempt <= l.cfg.MaxMisses; attempt++ {
		frame, err = l.src.Read(ctx)
		if err == nil && frame.Shape().Size() > 0 && len(frame.Data) == frame.Shape().Size() {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.Shape{}, ctxErr
		}
		if err == nil {
			err = fmt.Errorf("malformed first frame: shape %v, %d bytes", frame.Shape(), len(frame.Data))
		}
		l.misses.Add(1)
		l.logger.Debug("first frame read failed", "attempt", attempt+1, "error", err)
		l.backoff(ctx)
	}
	if err != nil {
		return types.Shape{}, types.NewError(types.KindFatalSource, "first frame",
			fmt.Errorf("no frame after %d attempts: %w", l.cfg.MaxMisses+1, err))
	}

	l.native = frame.Shape()
	l.output = l.native
	res := l.cfg.Resolution
	if !res.Native() && (res.Width != l.native.Width || res.Height != l.native.Height) {
		l.resizer = NewResizer(res.Width, res.Height)
		l.output = l.resizer.Shape(l.native.Channels)
	}

	first := frame.Clone()
	l.first = &first
	l.startedAt = time.Now()

	l.logger.Info("capture source opened",
		"native", l.native.String(),
		"output", l.output.String(),
		"resize", l.resizer != nil,
	)
	return l.output, nil
}

// Run reads and forwards frames until ctx is done (returns nil) or the
// consecutive-miss threshold is exceeded (returns fatal-source).
// Open must have succeeded.
func (l *Loop) Run(ctx context.Context) error {
	if l.native.IsZero() {
		return types.NewError(types.KindFatalSource, "run", errors.New("capture loop not opened"))
	}

	if l.first != nil {
		l.forward(*l.first)
		l.first = nil
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := l.src.Read(ctx)
		if err == nil {
			err = checkFrame(frame, l.native)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal := l.miss(err); fatal != nil {
				return fatal
			}
			l.backoff(ctx)
			continue
		}

		l.consecutive.Store(0)
		l.forward(frame)
	}
}

// checkFrame rejects a frame whose shape or buffer length differs from the
// shape fixed by the first frame
func checkFrame(frame types.Frame, shape types.Shape) error {
	if frame.Shape() != shape {
		return fmt.Errorf("frame shape %v differs from %v", frame.Shape(), shape)
	}
	if len(frame.Data) != shape.Size() {
		return fmt.Errorf("frame buffer is %d bytes, want %d for %v", len(frame.Data), shape.Size(), shape)
	}
	return nil
}

// miss records one transient capture failure and returns a fatal error once
// the threshold is exceeded
func (l *Loop) miss(err error) error {
	l.misses.Add(1)
	n := l.consecutive.Add(1)

	l.logger.Debug("capture read failed",
		"kind", types.KindTransientCapture.String(),
		"consecutive", n,
		"error", err,
	)

	if n > int64(l.cfg.MaxMisses) {
		l.logger.Error("max consecutive capture misses exceeded",
			"misses", n,
			"max_misses", l.cfg.MaxMisses,
			"last_error", err,
		)
		return types.NewError(types.KindFatalSource, "capture",
			fmt.Errorf("%d consecutive read failures: %w", n, err))
	}
	return nil
}

// forward resizes (or copies) the frame and enqueues it. The queue always
// receives a buffer nothing else references.
func (l *Loop) forward(frame types.Frame) {
	l.captured.Add(1)
	l.lastFrameAt.Store(frame.Timestamp.UnixNano())

	if l.resizer != nil {
		frame = l.resizer.Resize(frame)
	} else {
		frame = frame.Clone()
	}
	frame.Seq = l.seq
	l.seq++

	if err := l.queue.Enqueue(frame, l.cfg.EnqueueTimeout); err != nil {
		if errors.Is(err, framequeue.ErrTimeout) {
			l.dropped.Add(1)
			l.logger.Debug("frame dropped, queue full",
				"seq", frame.Seq,
				"trace_id", frame.TraceID,
			)
		}
		return
	}
	l.enqueued.Add(1)
}

func (l *Loop) backoff(ctx context.Context) {
	if l.cfg.MissBackoff <= 0 {
		return
	}
	timer := time.NewTimer(l.cfg.MissBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Stats returns the capture counters
func (l *Loop) Stats() Stats {
	captured := l.captured.Load()

	var fps float64
	if !l.startedAt.IsZero() {
		if elapsed := time.Since(l.startedAt).Seconds(); elapsed > 0 {
			fps = float64(captured) / elapsed
		}
	}

	var last time.Time
	if ns := l.lastFrameAt.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}

	return Stats{
		Captured:          captured,
		Enqueued:          l.enqueued.Load(),
		Dropped:           l.dropped.Load(),
		Misses:            l.misses.Load(),
		ConsecutiveMisses: l.consecutive.Load(),
		FPS:               fps,
		Native:            l.native,
		Output:            l.output,
		LastFrameAt:       last,
	}
}
