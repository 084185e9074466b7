package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/care/orion-recorder/internal/config"
	"github.com/care/orion-recorder/internal/encoder"
	"github.com/care/orion-recorder/internal/logging"
	"github.com/care/orion-recorder/internal/source"
	"github.com/care/orion-recorder/internal/types"
)

type eventLog struct {
	mu     sync.Mutex
	events []types.Event
}

func (l *eventLog) Observe(e types.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) kinds() []types.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) count(kind types.EventKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Camera:  config.CameraConfig{Backend: config.BackendMock},
		Stream:  config.StreamConfig{FPS: 20},
		Storage: config.StorageConfig{Root: root, MaxGB: 1, ClipDurationMinutes: 10},
		Capture: config.CaptureConfig{MaxMisses: 3},
		Export:  config.ExportConfig{DequeueTimeoutMS: 50},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return cfg
}

func newTestRecorder(obs ...Observer) *Recorder {
	return NewRecorder(Options{
		Encoder:     encoder.NewAVI(0),
		Observers:   obs,
		Logger:      logging.Discard(),
		MissBackoff: time.Millisecond,
	})
}

func TestRecorder_StartFailsOnUnwritableRoot(t *testing.T) {
	// a regular file where the storage root directory should be
	root := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(root, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := source.NewMock(source.MockConfig{Width: 8, Height: 8}, logging.Discard())
	err := newTestRecorder().Start(testConfig(t, root), src)

	kind, ok := types.KindOf(err)
	if !ok || kind != types.KindFatalStorage {
		t.Fatalf("Start() error = %v, want fatal-storage", err)
	}
	if src.Emitted() != 0 {
		t.Error("source was read although storage validation failed")
	}
}

func TestRecorder_StartFailsOnDeadSource(t *testing.T) {
	src := source.NewMock(source.MockConfig{
		Width: 8, Height: 8,
		OpenErr: errors.New("connection refused"),
	}, logging.Discard())

	rec := newTestRecorder()
	err := rec.Start(testConfig(t, t.TempDir()), src)
	if !IsFatalSource(err) {
		t.Fatalf("Start() error = %v, want fatal-source", err)
	}
	if rec.IsHealthy() {
		t.Error("recorder reports healthy after a failed start")
	}
}

func TestRecorder_ShutdownFinalizesForcedClip(t *testing.T) {
	root := t.TempDir()
	events := &eventLog{}
	rec := newTestRecorder(events)

	src := source.NewMock(source.MockConfig{Width: 16, Height: 8, FPS: 50}, logging.Discard())
	if err := rec.Start(testConfig(t, root), src); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !rec.IsHealthy() {
		t.Fatal("recorder not healthy after Start")
	}

	time.Sleep(300 * time.Millisecond)

	if h := rec.HealthCheck(); h.Status == "unhealthy" || h.Export.Current == nil {
		t.Errorf("HealthCheck() = %s, current clip %v", h.Status, h.Export.Current)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := rec.Wait(); err != nil {
		t.Errorf("Wait() = %v, want nil after requested shutdown", err)
	}
	if rec.IsHealthy() {
		t.Error("recorder still healthy after shutdown")
	}

	days := rec.Index().Days()
	if len(days) != 1 {
		t.Fatalf("indexed days = %v, want 1", days)
	}
	files := rec.Index().Files(days[0])
	if len(files) != 1 || !strings.HasSuffix(files[0], "_forced.avi") {
		t.Fatalf("indexed files = %v, want one forced clip", files)
	}
	if rec.Index().ActiveDay() != "" {
		t.Error("active day still pinned after shutdown")
	}

	info, err := encoder.ProbeAVI(filepath.Join(root, days[0], files[0]))
	if err != nil {
		t.Fatalf("ProbeAVI() error = %v", err)
	}
	if info.Frames == 0 || info.Width != 16 || info.Height != 8 {
		t.Errorf("clip = %+v", info)
	}

	if events.count(types.EventClipOpened) != 1 || events.count(types.EventClipFinalized) != 1 {
		t.Errorf("events = %v", events.kinds())
	}
	if events.count(types.EventPipelineFailed) != 0 {
		t.Errorf("requested shutdown reported as failure: %v", events.kinds())
	}

	t.Logf("✅ forced clip %s/%s with %d frames", days[0], files[0], info.Frames)
}

func TestRecorder_SourceDeathStopsPipeline(t *testing.T) {
	root := t.TempDir()
	events := &eventLog{}
	rec := newTestRecorder(events)

	// the camera delivers 10 frames, then every read fails
	src := source.NewMock(source.MockConfig{Width: 8, Height: 8, FPS: 100, Frames: 10}, logging.Discard())
	if err := rec.Start(testConfig(t, root), src); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- rec.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after the source died")
	}
	if !IsFatalSource(err) {
		t.Fatalf("Wait() = %v, want fatal-source", err)
	}

	days := rec.Index().Days()
	if len(days) != 1 || len(rec.Index().Files(days[0])) != 1 {
		t.Fatalf("index = %v, want the interrupted clip", days)
	}
	info, perr := encoder.ProbeAVI(filepath.Join(root, days[0], rec.Index().Files(days[0])[0]))
	if perr != nil {
		t.Fatalf("ProbeAVI() error = %v", perr)
	}
	if info.Frames != 10 {
		t.Errorf("clip frames = %d, want 10", info.Frames)
	}

	if events.count(types.EventPipelineFailed) != 1 {
		t.Errorf("events = %v, want one pipeline failure", events.kinds())
	}
	if h := rec.HealthCheck(); h.Status != "unhealthy" || h.Error == "" {
		t.Errorf("HealthCheck() = %s (%q), want unhealthy with error", h.Status, h.Error)
	}
}

func TestRecorder_WaitReturnsAfterFailedStart(t *testing.T) {
	root := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(root, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := newTestRecorder()
	src := source.NewMock(source.MockConfig{Width: 8, Height: 8}, logging.Discard())
	startErr := rec.Start(testConfig(t, root), src)
	if startErr == nil {
		t.Fatal("Start() succeeded on a file root")
	}

	done := make(chan error, 1)
	go func() { done <- rec.Wait() }()
	select {
	case err := <-done:
		if kind, ok := types.KindOf(err); !ok || kind != types.KindFatalStorage {
			t.Errorf("Wait() = %v, want fatal-storage", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() blocked after a failed Start")
	}

	select {
	case <-rec.Done():
	default:
		t.Error("Done() still open after a failed Start")
	}
	if err := rec.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() after failed Start = %v", err)
	}
}

func TestRecorder_StartAfterShutdownRequest(t *testing.T) {
	root := t.TempDir()
	rec := newTestRecorder()
	rec.RequestShutdown()

	src := source.NewMock(source.MockConfig{Width: 8, Height: 8, FPS: 50}, logging.Discard())
	if err := rec.Start(testConfig(t, root), src); !errors.Is(err, ErrShutdownBeforeStart) {
		t.Fatalf("Start() error = %v, want ErrShutdownBeforeStart", err)
	}
	if src.Emitted() != 0 {
		t.Errorf("source emitted %d frames", src.Emitted())
	}
	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("storage root touched: %d entries", len(entries))
	}
	if err := rec.Wait(); err != nil {
		t.Errorf("Wait() = %v, want nil", err)
	}
}

// slowOpenSource blocks in Open until ctx is cancelled
type slowOpenSource struct {
	opening chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func (s *slowOpenSource) Open(ctx context.Context) error {
	close(s.opening)
	<-ctx.Done()
	return ctx.Err()
}

func (s *slowOpenSource) Read(ctx context.Context) (types.Frame, error) {
	return types.Frame{}, source.ErrNotOpen
}

func (s *slowOpenSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestRecorder_HealthCheckDuringSlowOpen(t *testing.T) {
	rec := newTestRecorder()
	src := &slowOpenSource{opening: make(chan struct{}), closed: make(chan struct{})}

	startErr := make(chan error, 1)
	go func() { startErr <- rec.Start(testConfig(t, t.TempDir()), src) }()
	<-src.opening

	health := make(chan HealthStatus, 1)
	go func() { health <- rec.HealthCheck() }()
	select {
	case h := <-health:
		if h.Status != "unhealthy" {
			t.Errorf("HealthCheck() during open = %s, want unhealthy", h.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("HealthCheck() blocked while the source was opening")
	}

	// a shutdown request aborts the pending open
	rec.RequestShutdown()
	select {
	case err := <-startErr:
		if !errors.Is(err, ErrShutdownBeforeStart) {
			t.Errorf("Start() = %v, want ErrShutdownBeforeStart", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after RequestShutdown")
	}
	select {
	case <-src.closed:
	default:
		t.Error("source not closed after an aborted start")
	}
}

func TestRecorder_ShutdownBeforeStart(t *testing.T) {
	rec := newTestRecorder()
	if err := rec.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() before Start = %v", err)
	}
	rec.RequestShutdown()
}
