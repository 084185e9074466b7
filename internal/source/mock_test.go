package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/care/orion-recorder/internal/logging"
)

func TestMock_ReadSequence(t *testing.T) {
	m := NewMock(MockConfig{Width: 4, Height: 2, Frames: 3}, logging.Discard())
	ctx := context.Background()

	if _, err := m.Read(ctx); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Read() before Open: err = %v", err)
	}
	if err := m.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	for want := uint64(0); want < 3; want++ {
		f, err := m.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if f.Seq != want || SeqOf(f) != want {
			t.Errorf("frame seq = %d/%d, want %d", f.Seq, SeqOf(f), want)
		}
		if len(f.Data) != 4*2*3 || f.Channels != 3 {
			t.Errorf("frame shape = %v, len %d", f.Shape(), len(f.Data))
		}
	}

	if _, err := m.Read(ctx); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Read() after limit: err = %v, want ErrNoFrame", err)
	}

	m.Close()
	if _, err := m.Read(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Read() after Close: err = %v", err)
	}
}

func TestMock_OpenError(t *testing.T) {
	boom := errors.New("camera offline")
	m := NewMock(MockConfig{Width: 4, Height: 2, OpenErr: boom}, logging.Discard())
	if err := m.Open(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Open() err = %v", err)
	}
}

func TestMock_Pacing(t *testing.T) {
	m := NewMock(MockConfig{Width: 2, Height: 2, FPS: 50}, logging.Discard())
	ctx := context.Background()
	m.Open(ctx)

	start := time.Now()
	for i := 0; i < 6; i++ {
		if _, err := m.Read(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// 5 paced intervals of 20ms
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("6 reads at 50 fps took %v", elapsed)
	}
}

func TestMock_ReadHonorsContext(t *testing.T) {
	m := NewMock(MockConfig{Width: 2, Height: 2, FPS: 0.5}, logging.Discard())
	m.Open(context.Background())
	m.Read(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read() err = %v, want deadline exceeded", err)
	}
}
