// Package export is the sole writer of clip files.
//
// State machine:
//
//	NoClipOpen → ClipOpen → (Rotating | ForcedClose) → ClipOpen | Terminated
//
// Each iteration dequeues one frame with a bounded timeout and appends it to
// the open clip. After the frame (or the timeout) the loop checks, in order:
//
//  1. rollover: clip age ≥ clip duration → finalize, trigger quota, open next
//     (a write the encoder refuses as too large rolls over the same way)
//  2. drain requested → write the frames buffered at that moment, forced close, stop
//  3. consecutive failures > MaxFailures → forced close, stop with fatal-source
//
// The clip's playback rate is frames written / elapsed seconds, measured at
// finalize. The encoder writer is owned by this loop alone.
package export

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/care/orion-recorder/internal/encoder"
	"github.com/care/orion-recorder/internal/framequeue"
	"github.com/care/orion-recorder/internal/logging"
	"github.com/care/orion-recorder/internal/storage"
	"github.com/care/orion-recorder/internal/types"
)

// Frames is the consumer side of the frame queue
type Frames interface {
	Dequeue(timeout time.Duration) (types.Frame, error)
	TryDequeue() (types.Frame, bool)
	Len() int
}

// QuotaTrigger requests an asynchronous storage quota run
type QuotaTrigger interface {
	Trigger()
}

// Hooks observe clip lifecycle events. They run on the export goroutine and
// must not block.
type Hooks struct {
	Opened    func(clip types.Clip)
	Finalized func(clip types.Clip)
	Discarded func(clip types.Clip, err error)
}

// Config configures the export loop
type Config struct {
	Layout         storage.Layout
	Codec          string
	TargetFPS      float64
	ClipDuration   time.Duration
	DequeueTimeout time.Duration
	MaxFailures    int
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Stats is a snapshot of export counters
type Stats struct {
	ClipsFinalized      uint64      `json:"clips_finalized"`
	ClipsForced         uint64      `json:"clips_forced"`
	ClipsDiscarded      uint64      `json:"clips_discarded"`
	FramesWritten       uint64      `json:"frames_written"`
	WriteErrors         uint64      `json:"write_errors"`
	Timeouts            uint64      `json:"timeouts"`
	ConsecutiveFailures int64       `json:"consecutive_failures"`
	Current             *types.Clip `json:"current,omitempty"`
	Last                *types.Clip `json:"last,omitempty"`
}

// openClip is the clip currently being written
type openClip struct {
	clip   types.Clip
	writer encoder.Writer
}

// Loop consumes frames and writes clips
type Loop struct {
	frames Frames
	enc    encoder.Encoder
	index  *storage.Index
	quota  QuotaTrigger
	cfg    Config
	shape  types.Shape
	hooks  Hooks
	logger *slog.Logger

	drain atomic.Bool

	// owned by the Run goroutine
	current  *openClip
	failures int64

	mu   sync.Mutex
	snap struct {
		current *types.Clip
		last    *types.Clip
	}
	finalized   atomic.Uint64
	forced      atomic.Uint64
	discarded   atomic.Uint64
	written     atomic.Uint64
	writeErrors atomic.Uint64
	timeouts    atomic.Uint64
	consecutive atomic.Int64
}

// New creates an export loop writing frames of the given shape
func New(frames Frames, enc encoder.Encoder, index *storage.Index, quota QuotaTrigger, shape types.Shape, cfg Config, hooks Hooks, logger *slog.Logger) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 20
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = time.Second
	}
	return &Loop{
		frames: frames,
		enc:    enc,
		index:  index,
		quota:  quota,
		cfg:    cfg,
		shape:  shape,
		hooks:  hooks,
		logger: logger.With("component", "export"),
	}
}

// RequestDrain asks the loop to write the frames buffered when it notices the
// request, finalize the open clip and stop. Observed at the next dequeue
// timeout or successful dequeue. Frames the producer adds afterwards are left
// in the queue, so the drain ends even while capture keeps running.
func (l *Loop) RequestDrain() {
	l.drain.Store(true)
}

// Draining reports whether a drain was requested
func (l *Loop) Draining() bool {
	return l.drain.Load()
}

// Run executes the state machine until a drain completes (nil), the queue is
// closed (nil) or the loop fails: a stall past MaxFailures is fatal-source,
// a clip that cannot be opened is fatal-storage. The open clip is finalized
// on every exit path.
func (l *Loop) Run() error {
	defer l.index.Release()

	if err := l.open(); err != nil {
		return err
	}

	for {
		frame, err := l.frames.Dequeue(l.cfg.DequeueTimeout)
		switch {
		case err == nil:
			if err := l.write(frame); err != nil {
				return err
			}
		case errors.Is(err, framequeue.ErrClosed):
			l.logger.Info("frame queue closed, finalizing open clip")
			l.finalize(true)
			return nil
		default:
			l.timeouts.Add(1)
			l.fail(types.NewError(types.KindTransientExport, "dequeue", err))
		}

		if l.cfg.Clock().Sub(l.current.clip.StartedAt) >= l.cfg.ClipDuration {
			if err := l.rollover(); err != nil {
				return err
			}
		}

		if l.drain.Load() {
			buffered := l.frames.Len()
			drained := 0
			for drained < buffered {
				f, ok := l.frames.TryDequeue()
				if !ok {
					break
				}
				if err := l.write(f); err != nil {
					return err
				}
				drained++
			}
			l.logger.Info("drain requested, finalizing open clip",
				"buffered", buffered,
				"drained_frames", drained,
			)
			l.finalize(true)
			return nil
		}

		if l.failures > int64(l.cfg.MaxFailures) {
			l.logger.Error("max consecutive export failures exceeded",
				"failures", l.failures,
				"max_failures", l.cfg.MaxFailures,
			)
			l.finalize(true)
			return types.NewError(types.KindFatalSource, "export",
				fmt.Errorf("upstream stalled: %d consecutive failures", l.failures))
		}
	}
}

// write appends one frame to the open clip. A clip the encoder reports as
// full is rolled over early and the frame goes into the next clip. Only a
// failure to open that clip is returned.
func (l *Loop) write(frame types.Frame) error {
	err := l.current.writer.Write(frame)
	if errors.Is(err, encoder.ErrClipFull) {
		logging.WithClip(l.logger, l.current.clip.Day, l.current.clip.Name).Info("clip reached size limit, rolling over early",
			"frames", l.current.clip.Frames,
		)
		if err := l.rollover(); err != nil {
			return err
		}
		err = l.current.writer.Write(frame)
	}
	if err != nil {
		l.writeErrors.Add(1)
		l.fail(types.NewError(types.KindTransientExport, "write", err))
		return nil
	}
	l.current.clip.Frames++
	l.written.Add(1)
	l.failures = 0
	l.consecutive.Store(0)
	return nil
}

// rollover finalizes the open clip, asks for a quota run and opens the next
func (l *Loop) rollover() error {
	l.finalize(false)
	l.quota.Trigger()
	return l.open()
}

// fail counts one transient export failure
func (l *Loop) fail(err error) {
	l.failures++
	l.consecutive.Store(l.failures)
	l.logger.Debug("export iteration failed",
		"consecutive", l.failures,
		"error", err,
	)
}

// open starts a new clip and reserves it in the index
func (l *Loop) open() error {
	now := l.cfg.Clock()

	day, name, path, err := l.cfg.Layout.NextClip(now)
	if err != nil {
		return types.NewError(types.KindFatalStorage, "open clip", err)
	}

	writer, err := l.enc.Open(path, l.cfg.Codec, l.cfg.TargetFPS, l.shape)
	if err != nil {
		return types.NewError(types.KindFatalStorage, "open clip", err)
	}
	l.index.Reserve(day, name)

	l.current = &openClip{
		writer: writer,
		clip: types.Clip{
			ID:        uuid.NewString(),
			Day:       day,
			Name:      name,
			Path:      path,
			StartedAt: now,
			TargetFPS: l.cfg.TargetFPS,
		},
	}
	l.publish()

	logging.WithClip(l.logger, day, name).Info("clip opened",
		"encoder", l.enc.Name(),
		"codec", l.cfg.Codec,
		"shape", l.shape.String(),
	)
	if l.hooks.Opened != nil {
		l.hooks.Opened(l.current.clip)
	}
	return nil
}

// finalize closes the open clip. Forced clips get the forced suffix. A clip
// without frames, or one the encoder failed to close, is removed and its
// reservation withdrawn so the index only lists finalized files.
func (l *Loop) finalize(forced bool) {
	cur := l.current
	l.current = nil
	if cur == nil {
		return
	}

	clip := cur.clip
	reserved := clip.Name
	clip.ClosedAt = l.cfg.Clock()
	clip.Forced = forced

	if elapsed := clip.ClosedAt.Sub(clip.StartedAt).Seconds(); elapsed > 0 && clip.Frames > 0 {
		clip.AchievedFPS = float64(clip.Frames) / elapsed
	}

	logger := logging.WithClip(l.logger, clip.Day, reserved)

	err := cur.writer.Close(clip.AchievedFPS)
	if err == nil && clip.Frames == 0 {
		err = errors.New("clip has no frames")
	}
	if err != nil {
		os.Remove(clip.Path)
		l.index.Withdraw(clip.Day, reserved)
		l.discarded.Add(1)
		l.setSnapshot(nil, nil)
		logger.Warn("clip discarded", "error", err, "forced", forced)
		if l.hooks.Discarded != nil {
			l.hooks.Discarded(clip, err)
		}
		return
	}

	if forced {
		final := storage.ForcedName(reserved)
		finalPath := filepath.Join(filepath.Dir(clip.Path), final)
		if rerr := os.Rename(clip.Path, finalPath); rerr != nil {
			logger.Warn("failed to mark clip as forced", "error", rerr)
		} else {
			clip.Name = final
			clip.Path = finalPath
		}
		l.forced.Add(1)
	}

	if !l.index.Commit(clip.Day, reserved, clip.Name) {
		logger.Warn("clip reservation vanished before commit")
	}
	if st, serr := os.Stat(clip.Path); serr == nil {
		clip.Bytes = st.Size()
	}
	l.finalized.Add(1)
	l.setSnapshot(nil, &clip)

	logger.Info("clip finalized",
		"file", clip.Name,
		"frames", clip.Frames,
		"achieved_fps", fmt.Sprintf("%.2f", clip.AchievedFPS),
		"target_fps", clip.TargetFPS,
		"bytes", clip.Bytes,
		"forced", forced,
	)
	if l.hooks.Finalized != nil {
		l.hooks.Finalized(clip)
	}
}

// publish snapshots the open clip for Stats
func (l *Loop) publish() {
	c := l.current.clip
	l.setSnapshot(&c, nil)
}

func (l *Loop) setSnapshot(current, last *types.Clip) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap.current = current
	if last != nil {
		l.snap.last = last
	}
}

// Stats returns export counters and the open/last clip
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	current, last := l.snap.current, l.snap.last
	l.mu.Unlock()

	return Stats{
		ClipsFinalized:      l.finalized.Load(),
		ClipsForced:         l.forced.Load(),
		ClipsDiscarded:      l.discarded.Load(),
		FramesWritten:       l.written.Load(),
		WriteErrors:         l.writeErrors.Load(),
		Timeouts:            l.timeouts.Load(),
		ConsecutiveFailures: l.consecutive.Load(),
		Current:             current,
		Last:                last,
	}
}
