// Package core is the lifecycle controller of the recorder pipeline.
//
// Start validates storage (write probe, index scan, initial quota pass),
// opens the source and launches the capture, export and quota workers.
// Shutdown (requested, or triggered by any fatal error) drains the export
// loop first so the open clip is finalized, then stops capture.
//
// The recorder never retries a fatal condition; the caller owns the restart
// policy (see cmd/recorderd).
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/orion-recorder/internal/capture"
	"github.com/care/orion-recorder/internal/config"
	"github.com/care/orion-recorder/internal/encoder"
	"github.com/care/orion-recorder/internal/export"
	"github.com/care/orion-recorder/internal/framequeue"
	"github.com/care/orion-recorder/internal/source"
	"github.com/care/orion-recorder/internal/storage"
	"github.com/care/orion-recorder/internal/types"
)

// eventBuffer bounds events waiting for observers
const eventBuffer = 64

// Observer receives pipeline events on the recorder's event goroutine, in
// emission order. Slow observers delay other observers, never the pipeline.
type Observer interface {
	Observe(event types.Event)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(event types.Event)

// Observe implements Observer
func (f ObserverFunc) Observe(event types.Event) { f(event) }

// Options configures a Recorder
type Options struct {
	Encoder   encoder.Encoder
	Observers []Observer
	Logger    *slog.Logger
	// Clock overrides time.Now for the export loop
	Clock func() time.Time
	// MissBackoff pauses capture after a failed read (default 50ms)
	MissBackoff time.Duration
}

// Recorder owns one pipeline run
type Recorder struct {
	opts   Options
	logger *slog.Logger

	// Pipeline components (set by Start)
	cfg     *config.Config
	src     source.Source
	queue   *framequeue.Queue
	index   *storage.Index
	quota   *storage.QuotaManager
	capture *capture.Loop
	export  *export.Loop
	events  chan types.Event

	// Lifecycle management
	mu           sync.RWMutex
	started      time.Time
	running      bool
	healthy      atomic.Bool
	droppedEvts  atomic.Uint64
	err          error
	shutdownReq  chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	startCalled  bool
}

// NewRecorder creates a recorder. Nothing runs until Start.
func NewRecorder(opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MissBackoff == 0 {
		opts.MissBackoff = 50 * time.Millisecond
	}
	return &Recorder{
		opts:        opts,
		logger:      opts.Logger.With("component", "recorder"),
		events:      make(chan types.Event, eventBuffer),
		shutdownReq: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// ErrShutdownBeforeStart is returned by Start when a shutdown was requested
// before the pipeline came up
var ErrShutdownBeforeStart = errors.New("shutdown requested before start")

// Start validates storage, opens the source and starts the pipeline workers.
// It returns once the workers run; a returned error means nothing was started
// (fatal-storage for probe/quota failures, fatal-source for source failures)
// and the recorder is done: Wait returns the same error. The source is closed
// on every failure path. A Recorder can be started once.
func (r *Recorder) Start(cfg *config.Config, src source.Source) error {
	r.mu.Lock()
	if r.startCalled {
		r.mu.Unlock()
		return fmt.Errorf("recorder already started")
	}
	r.startCalled = true
	r.mu.Unlock()

	if r.opts.Encoder == nil {
		src.Close()
		return r.abort(fmt.Errorf("no encoder configured"))
	}
	if r.shutdownRequested() {
		src.Close()
		return r.abort(nil)
	}

	root := cfg.Storage.Root
	budget := cfg.MaxStorageBytes()

	// 1. Storage validation
	if err := storage.Probe(root); err != nil {
		src.Close()
		return r.abort(err)
	}

	index := storage.NewIndex()
	summary, err := storage.Scan(root, index, r.logger)
	if err != nil {
		src.Close()
		return r.abort(types.NewError(types.KindFatalStorage, "scan", err))
	}

	quota := storage.NewQuotaManager(root, index, budget, r.logger)
	quota.OnEvict(func(e storage.Eviction) {
		r.emit(types.Event{Kind: types.EventDayEvicted, At: e.At, Eviction: e})
	})

	// Bring usage under budget before the first clip is opened
	res, err := quota.Enforce(budget)
	if err != nil {
		src.Close()
		return r.abort(err)
	}

	// 2. Source and frame shape. A shutdown request cancels a slow open.
	queue := framequeue.New(cfg.Queue.Capacity)
	capt := capture.New(src, queue, capture.Config{
		Resolution:     cfg.TargetResolution(),
		MaxMisses:      cfg.Capture.MaxMisses,
		EnqueueTimeout: cfg.EnqueueTimeout(),
		MissBackoff:    r.opts.MissBackoff,
	}, r.logger)

	captureCtx, captureCancel := context.WithCancel(context.Background())
	opened := make(chan struct{})
	go func() {
		select {
		case <-r.shutdownReq:
			captureCancel()
		case <-opened:
		}
	}()
	shape, err := capt.Open(captureCtx)
	close(opened)
	if err != nil || r.shutdownRequested() {
		captureCancel()
		src.Close()
		if r.shutdownRequested() {
			return r.abort(nil)
		}
		return r.abort(err)
	}

	exp := export.New(queue, r.opts.Encoder, index, quota, shape, export.Config{
		Layout:         storage.Layout{Root: root, Ext: cfg.Storage.Format},
		Codec:          cfg.Storage.Codec,
		TargetFPS:      cfg.Stream.FPS,
		ClipDuration:   cfg.ClipDuration(),
		DequeueTimeout: cfg.DequeueTimeout(),
		MaxFailures:    cfg.Export.MaxFailures,
		Clock:          r.opts.Clock,
	}, export.Hooks{
		Opened: func(c types.Clip) {
			r.emit(types.Event{Kind: types.EventClipOpened, At: c.StartedAt, Clip: c})
		},
		Finalized: func(c types.Clip) {
			r.emit(types.Event{Kind: types.EventClipFinalized, At: c.ClosedAt, Clip: c})
		},
		Discarded: func(c types.Clip, err error) {
			r.emit(types.Event{Kind: types.EventClipDiscarded, At: c.ClosedAt, Clip: c, Err: err})
		},
	}, r.logger)

	// 3. Publish the components, then start the workers
	r.mu.Lock()
	r.cfg = cfg
	r.src = src
	r.index = index
	r.quota = quota
	r.queue = queue
	r.capture = capt
	r.export = exp
	r.running = true
	r.started = time.Now()
	r.mu.Unlock()
	r.healthy.Store(true)

	eventsDone := make(chan struct{})
	go r.dispatchEvents(eventsDone)

	quotaCtx, quotaCancel := context.WithCancel(context.Background())
	quotaDone := make(chan struct{})
	go func() {
		defer close(quotaDone)
		quota.Run(quotaCtx)
	}()

	captureErr := make(chan error, 1)
	captureDone := make(chan struct{})
	go func() {
		defer close(captureDone)
		if err := capt.Run(captureCtx); err != nil {
			captureErr <- err
		}
	}()

	exportErr := make(chan error, 1)
	exportDone := make(chan struct{})
	go func() {
		defer close(exportDone)
		if err := exp.Run(); err != nil {
			exportErr <- err
		}
	}()

	go r.supervise(supervision{
		captureCancel: captureCancel,
		captureErr:    captureErr,
		captureDone:   captureDone,
		exportErr:     exportErr,
		exportDone:    exportDone,
		quotaCancel:   quotaCancel,
		quotaDone:     quotaDone,
		eventsDone:    eventsDone,
	})

	r.logger.Info("recorder started",
		"instance_id", cfg.InstanceID,
		"root", root,
		"budget_bytes", budget,
		"usage_bytes", res.After,
		"indexed_days", summary.Days,
		"indexed_files", summary.Files,
		"shape", shape.String(),
		"encoder", r.opts.Encoder.Name(),
		"clip_duration", cfg.ClipDuration(),
	)
	return nil
}

// abort finishes a Start that never brought the pipeline up. A nil err means
// a shutdown was requested first: Wait then returns nil and Start returns
// ErrShutdownBeforeStart.
func (r *Recorder) abort(err error) error {
	if err != nil {
		r.fail(err)
	}
	close(r.done)
	if err == nil {
		r.logger.Info("shutdown requested before start, pipeline not started")
		return ErrShutdownBeforeStart
	}
	return err
}

func (r *Recorder) shutdownRequested() bool {
	select {
	case <-r.shutdownReq:
		return true
	default:
		return false
	}
}

// supervision holds the worker channels the supervisor coordinates
type supervision struct {
	captureCancel context.CancelFunc
	captureErr    <-chan error
	captureDone   <-chan struct{}
	exportErr     <-chan error
	exportDone    <-chan struct{}
	quotaCancel   context.CancelFunc
	quotaDone     <-chan struct{}
	eventsDone    <-chan struct{}
}

// supervise waits for a shutdown request or the first fatal error, then runs
// the stop sequence: drain export, stop capture, stop quota, flush events.
func (r *Recorder) supervise(s supervision) {
	select {
	case <-r.shutdownReq:
		r.logger.Info("shutdown requested, draining export loop")
	case err := <-s.captureErr:
		r.fail(err)
	case err := <-r.quota.Fatal():
		r.fail(err)
	case <-s.exportDone:
		select {
		case err := <-s.exportErr:
			r.fail(err)
		default:
		}
	}
	r.healthy.Store(false)

	// 1. Export finalizes its open clip (drain is a no-op if it already stopped)
	r.export.RequestDrain()
	<-s.exportDone
	select {
	case err := <-s.exportErr:
		r.fail(err)
	default:
	}

	// 2. Capture (nothing reads the queue anymore)
	s.captureCancel()
	if err := r.src.Close(); err != nil {
		r.logger.Warn("failed to close source", "error", err)
	}
	<-s.captureDone
	r.queue.Close()
	select {
	case err := <-s.captureErr:
		r.fail(err)
	default:
	}

	// 3. Quota
	s.quotaCancel()
	<-s.quotaDone

	r.mu.Lock()
	err := r.err
	r.running = false
	uptime := time.Since(r.started)
	r.mu.Unlock()

	if err != nil {
		r.emit(types.Event{Kind: types.EventPipelineFailed, At: time.Now(), Err: err})
	}

	// 4. Events
	close(r.events)
	<-s.eventsDone

	r.logger.Info("recorder stopped",
		"uptime", uptime,
		"clips", r.export.Stats().ClipsFinalized,
		"error", err,
	)
	close(r.done)
}

// fail records the first fatal error
func (r *Recorder) fail(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
		r.logger.Error("pipeline failed", "error", err)
	}
}

// emit queues an event without blocking the caller
func (r *Recorder) emit(event types.Event) {
	select {
	case r.events <- event:
	default:
		r.droppedEvts.Add(1)
		r.logger.Warn("event dropped, observers too slow", "kind", event.Kind.String())
	}
}

func (r *Recorder) dispatchEvents(done chan<- struct{}) {
	defer close(done)
	for event := range r.events {
		for _, obs := range r.opts.Observers {
			obs.Observe(event)
		}
	}
}

// RequestShutdown starts the graceful stop sequence. Never blocks; safe to
// call more than once and before Start (Start then returns
// ErrShutdownBeforeStart without touching the source or storage).
func (r *Recorder) RequestShutdown() {
	r.shutdownOnce.Do(func() { close(r.shutdownReq) })
}

// IsHealthy reports whether the pipeline is running and no stop is underway
func (r *Recorder) IsHealthy() bool {
	return r.healthy.Load()
}

// Done is closed once the stop sequence completed
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the pipeline stopped and returns the fatal error that
// stopped it (nil for a requested shutdown)
func (r *Recorder) Wait() error {
	<-r.done
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Shutdown requests a graceful stop and waits for it or for ctx. Fatal errors
// are left to Wait; a recorder never started returns nil at once.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	called := r.startCalled
	r.mu.RUnlock()

	r.RequestShutdown()
	if !called {
		return nil
	}

	select {
	case <-r.done:
		err := r.Wait()
		if err != nil && !types.IsFatal(err) {
			return err
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Err returns the fatal error recorded so far
func (r *Recorder) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Index exposes the clip index (nil before Start)
func (r *Recorder) Index() *storage.Index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index
}

// StorageRoot returns the configured storage root ("" before Start)
func (r *Recorder) StorageRoot() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cfg == nil {
		return ""
	}
	return r.cfg.Storage.Root
}

// IsFatalSource reports whether err stopped the pipeline because of the
// source (camera gone) rather than storage
func IsFatalSource(err error) bool {
	kind, ok := types.KindOf(err)
	return ok && kind == types.KindFatalSource
}
