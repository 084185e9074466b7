package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/care/orion-recorder/internal/types"
)

// MockConfig configures a synthetic source
type MockConfig struct {
	Width    int
	Height   int
	Channels int // default 3 (BGR24)
	// FPS paces Read; 0 returns frames as fast as they are asked for
	FPS float64
	// Frames stops the stream after this many frames; further reads fail with
	// ErrNoFrame. 0 means unlimited.
	Frames int
	// OpenErr makes Open fail (dead camera)
	OpenErr error
	// FailEvery makes every n-th read fail with ErrNoFrame. 0 disables.
	FailEvery int
}

// Mock generates synthetic frames. The first 8 bytes of each frame carry its
// sequence number (big endian) so consumers can check ordering; the rest is a
// moving gradient.
type Mock struct {
	cfg    MockConfig
	logger *slog.Logger

	mu        sync.Mutex
	open      bool
	closed    bool
	seq       uint64
	reads     uint64
	emitted   uint64
	lastRead  time.Time
	startTime time.Time
}

// NewMock creates a mock source
func NewMock(cfg MockConfig, logger *slog.Logger) *Mock {
	if cfg.Channels == 0 {
		cfg.Channels = 3
	}
	return &Mock{cfg: cfg, logger: logger.With("component", "mock_source")}
}

// Open starts the synthetic stream
func (m *Mock) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.OpenErr != nil {
		return m.cfg.OpenErr
	}
	if m.cfg.Width <= 0 || m.cfg.Height <= 0 {
		return fmt.Errorf("invalid mock resolution: %dx%d", m.cfg.Width, m.cfg.Height)
	}
	m.open = true
	m.closed = false
	m.startTime = time.Now()

	m.logger.Info("mock source opened",
		"width", m.cfg.Width,
		"height", m.cfg.Height,
		"fps", m.cfg.FPS,
	)
	return nil
}

// Read returns the next synthetic frame, paced to FPS
func (m *Mock) Read(ctx context.Context) (types.Frame, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.Frame{}, ErrClosed
	}
	if !m.open {
		m.mu.Unlock()
		return types.Frame{}, ErrNotOpen
	}

	var wait time.Duration
	if m.cfg.FPS > 0 && !m.lastRead.IsZero() {
		interval := time.Duration(float64(time.Second) / m.cfg.FPS)
		wait = time.Until(m.lastRead.Add(interval))
	}
	m.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.Frame{}, ctx.Err()
		case <-timer.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastRead = time.Now()
	m.reads++

	if m.cfg.Frames > 0 && m.emitted >= uint64(m.cfg.Frames) {
		return types.Frame{}, ErrNoFrame
	}
	if m.cfg.FailEvery > 0 && m.reads%uint64(m.cfg.FailEvery) == 0 {
		return types.Frame{}, ErrNoFrame
	}

	frame := m.createFrame()
	m.emitted++
	return frame, nil
}

// createFrame builds one frame. Caller holds mu.
func (m *Mock) createFrame() types.Frame {
	seq := m.seq
	m.seq++

	size := m.cfg.Width * m.cfg.Height * m.cfg.Channels
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(uint64(i) + seq)
	}
	if size >= 8 {
		binary.BigEndian.PutUint64(data, seq)
	}

	return types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     m.cfg.Width,
		Height:    m.cfg.Height,
		Channels:  m.cfg.Channels,
		Data:      data,
		TraceID:   uuid.New().String(),
	}
}

// Close stops the stream
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.open = false

	m.logger.Info("mock source closed",
		"frames_emitted", m.emitted,
		"duration", time.Since(m.startTime),
	)
	return nil
}

// Emitted returns the number of frames produced so far
func (m *Mock) Emitted() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emitted
}

// SeqOf decodes the sequence number written into a mock frame
func SeqOf(f types.Frame) uint64 {
	if len(f.Data) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(f.Data)
}
