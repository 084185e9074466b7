package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/care/orion-recorder/internal/framequeue"
	"github.com/care/orion-recorder/internal/logging"
	"github.com/care/orion-recorder/internal/source"
	"github.com/care/orion-recorder/internal/types"
)

func TestOpen_SourceFailureIsFatal(t *testing.T) {
	src := source.NewMock(source.MockConfig{Width: 4, Height: 4, OpenErr: errors.New("no route to host")}, logging.Discard())
	loop := New(src, framequeue.New(4), Config{MaxMisses: 3}, logging.Discard())

	_, err := loop.Open(context.Background())
	if kind, ok := types.KindOf(err); !ok || kind != types.KindFatalSource {
		t.Fatalf("Open() err = %v, want fatal-source", err)
	}
}

func TestOpen_NoFirstFrameIsFatal(t *testing.T) {
	// every read fails
	src := source.NewMock(source.MockConfig{Width: 4, Height: 4, FailEvery: 1}, logging.Discard())
	loop := New(src, framequeue.New(4), Config{MaxMisses: 3}, logging.Discard())

	_, err := loop.Open(context.Background())
	if !types.IsFatal(err) {
		t.Fatalf("Open() err = %v, want fatal", err)
	}
	if got := loop.Stats().Misses; got != 4 {
		t.Errorf("Misses = %d, want 4 (threshold + 1 attempts)", got)
	}
}

// TestRun_ForwardsInOrderThenFailsOnDeadSource feeds 6 frames and lets the
// source die: every frame reaches the queue in order, then the miss threshold
// stops the loop with fatal-source.
func TestRun_ForwardsInOrderThenFailsOnDeadSource(t *testing.T) {
	const frames = 6
	src := source.NewMock(source.MockConfig{Width: 4, Height: 2, Frames: frames}, logging.Discard())
	queue := framequeue.New(frames)
	loop := New(src, queue, Config{MaxMisses: 5, EnqueueTimeout: 10 * time.Millisecond}, logging.Discard())

	shape, err := loop.Open(context.Background())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if shape != (types.Shape{Width: 4, Height: 2, Channels: 3}) {
		t.Errorf("shape = %v", shape)
	}

	err = loop.Run(context.Background())
	if kind, ok := types.KindOf(err); !ok || kind != types.KindFatalSource {
		t.Fatalf("Run() err = %v, want fatal-source", err)
	}

	for want := uint64(0); want < frames; want++ {
		f, ok := queue.TryDequeue()
		if !ok {
			t.Fatalf("queue empty at frame %d", want)
		}
		if f.Seq != want || source.SeqOf(f) != want {
			t.Errorf("frame %d: seq %d, payload seq %d", want, f.Seq, source.SeqOf(f))
		}
	}

	stats := loop.Stats()
	if stats.Captured != frames || stats.Enqueued != frames || stats.Dropped != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ConsecutiveMisses != 6 {
		t.Errorf("ConsecutiveMisses = %d, want 6", stats.ConsecutiveMisses)
	}
}

func TestRun_CountsDropsOnFullQueue(t *testing.T) {
	src := source.NewMock(source.MockConfig{Width: 2, Height: 2, Frames: 5}, logging.Discard())
	queue := framequeue.New(2)
	loop := New(src, queue, Config{MaxMisses: 1}, logging.Discard())

	if _, err := loop.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	loop.Run(context.Background())

	stats := loop.Stats()
	if stats.Enqueued != 2 || stats.Dropped != 3 {
		t.Errorf("enqueued/dropped = %d/%d, want 2/3", stats.Enqueued, stats.Dropped)
	}
	if qs := queue.Stats(); qs.Dropped != stats.Dropped {
		t.Errorf("queue dropped = %d, capture dropped = %d", qs.Dropped, stats.Dropped)
	}
}

func TestRun_ResizesToTarget(t *testing.T) {
	src := source.NewMock(source.MockConfig{Width: 8, Height: 4, Frames: 2}, logging.Discard())
	queue := framequeue.New(4)
	loop := New(src, queue, Config{
		Resolution: types.Resolution{Width: 4, Height: 2},
		MaxMisses:  1,
	}, logging.Discard())

	shape, err := loop.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if shape != (types.Shape{Width: 4, Height: 2, Channels: 3}) {
		t.Fatalf("output shape = %v", shape)
	}
	loop.Run(context.Background())

	f, ok := queue.TryDequeue()
	if !ok {
		t.Fatal("no frame queued")
	}
	if f.Width != 4 || f.Height != 2 || len(f.Data) != 4*2*3 {
		t.Errorf("resized frame = %v, %d bytes", f.Shape(), len(f.Data))
	}
}

// reusingSource hands out the same backing buffer on every Read, refilled
// with the next value. A fill of 0 returns a truncated buffer.
type reusingSource struct {
	buf   []byte
	fills []byte
	n     int
}

func (s *reusingSource) Open(ctx context.Context) error { return nil }

func (s *reusingSource) Read(ctx context.Context) (types.Frame, error) {
	if s.n >= len(s.fills) {
		return types.Frame{}, source.ErrNoFrame
	}
	v := s.fills[s.n]
	s.n++
	if v == 0 {
		return types.Frame{Width: 2, Height: 2, Channels: 3, Data: s.buf[:5], Timestamp: time.Now()}, nil
	}
	for i := range s.buf {
		s.buf[i] = v
	}
	return types.Frame{Width: 2, Height: 2, Channels: 3, Data: s.buf, Timestamp: time.Now()}, nil
}

func (s *reusingSource) Close() error { return nil }

// TestRun_QueuedFramesSurviveBufferReuse: the source overwrites its buffer on
// every read; frames already queued keep their own pixels.
func TestRun_QueuedFramesSurviveBufferReuse(t *testing.T) {
	src := &reusingSource{buf: make([]byte, 2*2*3), fills: []byte{1, 2, 3}}
	queue := framequeue.New(8)
	loop := New(src, queue, Config{MaxMisses: 1}, logging.Discard())

	if _, err := loop.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	loop.Run(context.Background())

	for _, want := range []byte{1, 2, 3} {
		f, ok := queue.TryDequeue()
		if !ok {
			t.Fatalf("queue empty, want frame filled with %d", want)
		}
		for i, b := range f.Data {
			if b != want {
				t.Fatalf("frame %d byte %d = %d, want %d", f.Seq, i, b, want)
			}
		}
	}
	t.Logf("✅ 3 queued frames kept their pixels across buffer reuse")
}

// TestRun_TruncatedBufferIsAMiss: a frame whose buffer is shorter than its
// shape counts as a miss instead of reaching the resizer.
func TestRun_TruncatedBufferIsAMiss(t *testing.T) {
	src := &reusingSource{buf: make([]byte, 2*2*3), fills: []byte{1, 0, 2}}
	queue := framequeue.New(8)
	loop := New(src, queue, Config{
		Resolution: types.Resolution{Width: 1, Height: 1},
		MaxMisses:  3,
	}, logging.Discard())

	if _, err := loop.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := loop.Run(context.Background())
	if kind, ok := types.KindOf(err); !ok || kind != types.KindFatalSource {
		t.Fatalf("Run() err = %v, want fatal-source", err)
	}

	stats := loop.Stats()
	if stats.Enqueued != 2 {
		t.Errorf("Enqueued = %d, want 2", stats.Enqueued)
	}
	if stats.Misses != 5 {
		t.Errorf("Misses = %d, want 5 (truncated frame + 4 dead reads)", stats.Misses)
	}
	for _, want := range []byte{1, 2} {
		f, ok := queue.TryDequeue()
		if !ok || len(f.Data) != 3 || f.Data[0] != want {
			t.Errorf("frame = %v %v, want 1x1 filled with %d", f.Shape(), f.Data, want)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := source.NewMock(source.MockConfig{Width: 2, Height: 2, FPS: 100}, logging.Discard())
	queue := framequeue.New(1000)
	loop := New(src, queue, Config{MaxMisses: 3}, logging.Discard())
	if _, err := loop.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() after cancel = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if loop.Stats().Captured == 0 {
		t.Error("no frames captured")
	}
}

func TestResizer_Gray(t *testing.T) {
	r := NewResizer(2, 2)
	in := types.Frame{Width: 4, Height: 4, Channels: 1, Data: make([]byte, 16)}
	for i := range in.Data {
		in.Data[i] = 200
	}
	out := r.Resize(in)
	if len(out.Data) != 4 {
		t.Fatalf("len = %d", len(out.Data))
	}
	for _, v := range out.Data {
		if v != 200 {
			t.Errorf("uniform image changed value to %d", v)
		}
	}
}
