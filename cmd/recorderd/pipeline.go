package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/care/orion-recorder/internal/config"
	"github.com/care/orion-recorder/internal/discovery"
	"github.com/care/orion-recorder/internal/encoder"
	"github.com/care/orion-recorder/internal/encoder/cvencoder"
	"github.com/care/orion-recorder/internal/logging"
	"github.com/care/orion-recorder/internal/source"
	"github.com/care/orion-recorder/internal/source/cvsource"
	"github.com/care/orion-recorder/internal/source/gstsource"
	"github.com/care/orion-recorder/internal/storage"
	"github.com/care/orion-recorder/internal/types"
	"github.com/care/orion-recorder/internal/worker"
)

// mock camera geometry
const (
	mockWidth  = 640
	mockHeight = 480
)

// resolveURL returns the stream locator, looking the camera up by MAC when
// the URL template needs its IP. A camera missing from the network is a
// source failure so the restart loop retries it.
func resolveURL(ctx context.Context, cfg *config.Config, logger *slog.Logger) (string, error) {
	if !cfg.NeedsDiscovery() {
		return cfg.StreamURL(""), nil
	}

	finder := discovery.NewFinder(cfg.Camera.Interface, nil, logger)
	ip, err := finder.Lookup(ctx, cfg.Camera.MAC)
	if err != nil {
		return "", types.NewError(types.KindFatalSource, "discover", err)
	}
	url := cfg.StreamURL(ip)
	logger.Info("camera discovered", "mac", cfg.Camera.MAC, "ip", ip, "url", logging.RedactURL(url))
	return url, nil
}

// inProcessSource builds the backend selected by camera.backend
func inProcessSource(cfg *config.Config, url string, logger *slog.Logger) (source.Source, error) {
	switch cfg.Camera.Backend {
	case config.BackendGStreamer:
		return gstsource.New(gstsource.Config{URL: url}, logger), nil
	case config.BackendOpenCV:
		return cvsource.New(url, logger), nil
	case config.BackendMock:
		return source.NewMock(source.MockConfig{
			Width:  mockWidth,
			Height: mockHeight,
			FPS:    cfg.Stream.FPS,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown camera backend %q", cfg.Camera.Backend)
	}
}

// newSource builds the frame source for one pipeline run. In isolated
// deployment the backend runs in a child recorderd that receives the resolved
// URL through the environment.
func newSource(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) (source.Source, error) {
	url, err := resolveURL(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Capture.Deployment != config.DeploymentIsolated {
		return inProcessSource(cfg, url, logger)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return worker.NewProcessSource(worker.ProcessConfig{
		Path: exe,
		Args: []string{"-capture-worker", "-config", configPath},
		Env:  []string{config.EnvPrefix + "CAMERA_URL=" + url},
	}, logger), nil
}

func newEncoder(cfg *config.Config, logger *slog.Logger) encoder.Encoder {
	if cfg.Storage.Encoder == config.EncoderOpenCV {
		return cvencoder.New(storage.Layout{Root: cfg.Storage.Root}.ScratchPath(), logger)
	}
	return encoder.NewAVI(encoder.DefaultJPEGQuality)
}

// runCaptureWorker is the -capture-worker entry point: frames go to stdout,
// logs to stderr, and the worker stops when the parent closes stdin.
func runCaptureWorker(cfg *config.Config) int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logging.ParseLevel(cfg.Log.Level),
	})).With("component", "capture_worker", "pid", os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := worker.CancelOnEOF(ctx, os.Stdin)
	defer cancel()

	src, err := inProcessSource(cfg, cfg.StreamURL(""), logger)
	if err != nil {
		logger.Error("failed to build source", "error", err)
		return 1
	}
	if err := worker.Serve(ctx, src, os.Stdout, logger); err != nil {
		logger.Error("capture worker stopped", "error", err)
		return 1
	}
	return 0
}
