package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/care/orion-recorder/internal/api"
	"github.com/care/orion-recorder/internal/archive"
	"github.com/care/orion-recorder/internal/catalog"
	"github.com/care/orion-recorder/internal/config"
	"github.com/care/orion-recorder/internal/core"
	"github.com/care/orion-recorder/internal/emitter"
	"github.com/care/orion-recorder/internal/logging"
	"github.com/care/orion-recorder/internal/metrics"
)

const (
	defaultConfigPath = "config/recorder.yaml"
	healthInterval    = 30 * time.Second
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	captureWorker := flag.Bool("capture-worker", false, "Run as isolated capture process (frames on stdout)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "config", *configPath, "error", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	if *captureWorker {
		os.Exit(runCaptureWorker(cfg))
	}

	logger, closer := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	defer closer.Close()
	slog.SetDefault(logger)

	slog.Info("starting recorder service",
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"backend", cfg.Camera.Backend,
		"deployment", cfg.Capture.Deployment,
		"encoder", cfg.Storage.Encoder,
		"debug", *debug,
	)

	// Cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := &service{
		cfg:        cfg,
		configPath: *configPath,
		logger:     logger,
		started:    time.Now(),
	}
	if err := svc.setup(ctx); err != nil {
		slog.Error("failed to initialize recorder service", "error", err)
		os.Exit(1)
	}
	defer svc.teardown()

	svc.run(ctx)
	slog.Info("recorder service stopped successfully")
}

// service owns everything that outlives a single pipeline run
type service struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	started    time.Time

	current  atomic.Pointer[core.Recorder]
	restarts atomic.Uint64

	observers []core.Observer
	catalog   *catalog.Catalog
	emitter   *emitter.MQTTEmitter
	uploader  *archive.Uploader
	server    *api.Server

	bgCancel context.CancelFunc
}

// health reports the current pipeline, unhealthy between runs
func (s *service) health() core.HealthStatus {
	if rec := s.current.Load(); rec != nil {
		return rec.HealthCheck()
	}
	return core.HealthStatus{Status: "unhealthy", Error: "pipeline not running"}
}

// setup opens the optional integrations. A broken catalog is fatal; a
// broker or archive that cannot be reached is only logged.
func (s *service) setup(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.observers = append(s.observers, metrics.Observer{})
	metrics.TrackHealth(s.health)

	if s.cfg.Catalog.Path != "" {
		c, err := catalog.Open(s.cfg.Catalog.Path, s.logger)
		if err != nil {
			return err
		}
		s.catalog = c
		s.observers = append(s.observers, c)
	}

	if s.cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(s.cfg, s.logger)
		if err := s.emitter.Connect(ctx); err != nil {
			slog.Warn("mqtt broker unreachable, events will be sent once connected", "error", err)
		}
		s.observers = append(s.observers, s.emitter)
		go s.emitter.RunHealth(bgCtx, healthInterval, func() any { return s.health() })
	}

	if s.cfg.Archive.Endpoint != "" {
		store, err := archive.NewMinioStore(archive.MinioConfig{
			Endpoint:  s.cfg.Archive.Endpoint,
			AccessKey: s.cfg.Archive.AccessKey,
			SecretKey: s.cfg.Archive.SecretKey,
			UseSSL:    s.cfg.Archive.UseSSL,
			Bucket:    s.cfg.Archive.Bucket,
		})
		if err != nil {
			return err
		}
		checkCtx, checkCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := store.EnsureBucket(checkCtx); err != nil {
			slog.Warn("archive bucket check failed, uploads may fail", "error", err)
		}
		checkCancel()

		s.uploader = archive.NewUploader(store, s.cfg.InstanceID, s.cfg.Archive.QueueSize, s.logger)
		s.observers = append(s.observers, s.uploader)
		go s.uploader.Run(bgCtx)
	}

	if s.cfg.HTTP.Addr != "" {
		srvCfg := api.ServerConfig{
			Addr:       s.cfg.HTTP.Addr,
			InstanceID: s.cfg.InstanceID,
			StartTime:  s.started,
			Health:     s.health,
			Restarts:   s.restarts.Load,
			Logger:     s.logger,
		}
		if s.catalog != nil {
			srvCfg.Catalog = s.catalog
		}
		s.server = api.NewServer(srvCfg)
		go func() {
			if err := s.server.Start(); err != nil {
				slog.Error("http server failed", "error", err)
			}
		}()
	}
	return nil
}

// run starts pipeline runs until ctx is cancelled, waiting restart_delay_s
// after every crash
func (s *service) run(ctx context.Context) {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		s.restarts.Add(1)
		metrics.PipelineRestartsTotal.Inc()
		slog.Error("recorder crashed, restarting",
			"error", err,
			"restart_delay", s.cfg.RestartDelay(),
			"restarts", s.restarts.Load(),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RestartDelay()):
		}
	}
}

// runOnce builds and starts one pipeline and blocks until it stops. A signal
// triggers the graceful shutdown bounded by shutdown_timeout_s.
func (s *service) runOnce(ctx context.Context) error {
	src, err := newSource(ctx, s.cfg, s.configPath, s.logger)
	if err != nil {
		return err
	}

	rec := core.NewRecorder(core.Options{
		Encoder:   newEncoder(s.cfg, s.logger),
		Observers: s.observers,
		Logger:    s.logger,
	})
	if err := rec.Start(s.cfg, src); err != nil {
		return err
	}
	s.current.Store(rec)

	select {
	case <-ctx.Done():
		slog.Info("shutting down gracefully", "timeout", s.cfg.ShutdownTimeout())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
		defer cancel()
		if err := rec.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
		return nil
	case <-rec.Done():
		return rec.Wait()
	}
}

func (s *service) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown failed", "error", err)
		}
	}
	if s.uploader != nil {
		if err := s.uploader.Close(ctx); err != nil {
			slog.Warn("archive uploads pending at exit", "error", err)
		}
	}
	s.bgCancel()
	if s.emitter != nil {
		s.emitter.Disconnect()
	}
	if s.catalog != nil {
		s.catalog.Close()
	}
}
