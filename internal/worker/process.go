package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/orion-recorder/internal/source"
	"github.com/care/orion-recorder/internal/types"
)

// ProcessConfig configures a ProcessSource
type ProcessConfig struct {
	// Path is the executable to spawn (recorderd itself)
	Path string
	// Args are passed to the child, e.g. -capture-worker -config <file>
	Args []string
	// Env is appended to the child's environment
	Env []string
	// OpenTimeout bounds the wait for the ready record (default 15s)
	OpenTimeout time.Duration
	// ReadTimeout bounds a single Read (default 2s)
	ReadTimeout time.Duration
	// StopGrace is how long Close waits before killing the child (default 2s)
	StopGrace time.Duration
}

// ProcessSource implements source.Source by reading frames from a capture
// worker child process.
type ProcessSource struct {
	cfg    ProcessConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	msgs   chan *Message
	exited chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	opened  bool
	closed  bool
	exitErr error

	framesRead atomic.Uint64
}

// NewProcessSource creates a source backed by a child process. Nothing is
// spawned until Open.
func NewProcessSource(cfg ProcessConfig, logger *slog.Logger) *ProcessSource {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 15 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	return &ProcessSource{
		cfg:    cfg,
		logger: logger.With("component", "process_source"),
	}
}

// Open spawns the child and waits for its ready record
func (p *ProcessSource) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.opened || p.closed {
		p.mu.Unlock()
		return fmt.Errorf("process source already used")
	}
	p.opened = true
	p.mu.Unlock()

	if err := p.spawn(); err != nil {
		return err
	}

	timer := time.NewTimer(p.cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-p.msgs:
		switch {
		case !ok:
			p.Close()
			return fmt.Errorf("capture worker exited before ready: %v", p.exitError())
		case msg.Type == MsgReady:
			p.logger.Info("capture worker ready", "pid", p.cmd.Process.Pid)
			return nil
		case msg.Type == MsgError:
			p.Close()
			return fmt.Errorf("capture worker failed to open source: %s", msg.Error)
		default:
			p.Close()
			return fmt.Errorf("unexpected first record %q from capture worker", msg.Type)
		}
	case <-timer.C:
		p.Close()
		return fmt.Errorf("capture worker not ready after %v", p.cfg.OpenTimeout)
	case <-ctx.Done():
		p.Close()
		return ctx.Err()
	}
}

// spawn starts the child with its pipes and reader goroutines
func (p *ProcessSource) spawn() error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.cmd = exec.CommandContext(ctx, p.cfg.Path, p.cfg.Args...)
	if len(p.cfg.Env) > 0 {
		p.cmd.Env = append(p.cmd.Environ(), p.cfg.Env...)
	}

	var err error
	if p.stdin, err = p.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if p.stderr, err = p.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start capture worker: %w", err)
	}

	p.logger.Info("capture worker spawned",
		"pid", p.cmd.Process.Pid,
		"path", p.cfg.Path,
	)

	p.msgs = make(chan *Message, 2)
	p.exited = make(chan struct{})

	p.wg.Add(3)
	go p.readMessages(ctx)
	go p.logStderr()
	go p.waitProcess(ctx)
	return nil
}

// readMessages decodes stdout records until the stream ends
func (p *ProcessSource) readMessages(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.msgs)

	for {
		msg, err := ReadMessage(p.stdout)
		if err != nil {
			// Wait closes the pipe once the child exits
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && ctx.Err() == nil {
				p.logger.Error("failed to read from capture worker", "error", err)
			}
			return
		}
		select {
		case p.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// logStderr relays the child's log lines, mapping their level
func (p *ProcessSource) logStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, `"level":"ERROR"`):
			p.logger.Error("capture worker error", "log", line)
		case strings.Contains(line, `"level":"WARN"`):
			p.logger.Warn("capture worker warning", "log", line)
		default:
			p.logger.Debug("capture worker log", "log", line)
		}
	}
}

// waitProcess reaps the child so it never lingers as a zombie
func (p *ProcessSource) waitProcess(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.exited)

	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	pid := p.cmd.Process.Pid
	switch {
	case err == nil:
		p.logger.Info("capture worker exited cleanly", "pid", pid)
	case ctx.Err() != nil:
		p.logger.Debug("capture worker exited (shutdown)", "pid", pid)
	default:
		p.logger.Error("capture worker exited unexpectedly", "pid", pid, "error", err)
	}
}

func (p *ProcessSource) exitError() error {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Read returns the next frame from the child. Read error records and a dead
// child surface as source.ErrNoFrame so the capture loop counts them as
// misses.
func (p *ProcessSource) Read(ctx context.Context) (types.Frame, error) {
	p.mu.Lock()
	opened, closed := p.opened, p.closed
	p.mu.Unlock()
	if closed {
		return types.Frame{}, source.ErrClosed
	}
	if !opened || p.msgs == nil {
		return types.Frame{}, source.ErrNotOpen
	}

	timer := time.NewTimer(p.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-p.msgs:
		if !ok {
			return types.Frame{}, fmt.Errorf("%w: capture worker exited", source.ErrNoFrame)
		}
		if msg.Type != MsgFrame {
			return types.Frame{}, fmt.Errorf("%w: %s", source.ErrNoFrame, msg.Error)
		}
		p.framesRead.Add(1)
		return msg.Frame(), nil
	case <-timer.C:
		return types.Frame{}, fmt.Errorf("%w: no frame within %v", source.ErrNoFrame, p.cfg.ReadTimeout)
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

// Close closes the child's stdin, waits StopGrace for it to exit and kills it
// otherwise. Safe to call more than once.
func (p *ProcessSource) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cmd == nil || p.cmd.Process == nil {
		if p.cancel != nil {
			p.cancel()
		}
		return nil
	}

	p.stdin.Close()
	// Keep the pipe flowing so a child blocked on write sees its stdin EOF
	go func() {
		for range p.msgs {
		}
	}()

	select {
	case <-p.exited:
	case <-time.After(p.cfg.StopGrace):
		p.logger.Warn("capture worker stop timeout, force killing process", "pid", p.cmd.Process.Pid)
	}
	// Unblocks readMessages and kills the child if it is still running
	p.cancel()
	p.wg.Wait()

	p.logger.Info("capture worker stopped", "frames_read", p.framesRead.Load())
	return nil
}
