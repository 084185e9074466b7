package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/care/orion-recorder/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const (
	BackendGStreamer = "gst"
	BackendOpenCV    = "opencv"
	BackendMock      = "mock"

	EncoderAVI    = "avi"
	EncoderOpenCV = "opencv"

	DeploymentInProcess = "in_process"
	DeploymentIsolated  = "isolated"
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "recorder"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 10
	}
	if cfg.RestartDelayS <= 0 {
		cfg.RestartDelayS = 10
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}

	// Stream
	if cfg.Stream.FPS == 0 {
		cfg.Stream.FPS = 10
	}
	if cfg.Stream.FPS < 0 || cfg.Stream.FPS > 120 {
		return fmt.Errorf("stream.fps must be in (0, 120], got %.2f", cfg.Stream.FPS)
	}
	if cfg.Stream.Resolution == "" {
		cfg.Stream.Resolution = "native"
	}
	if _, err := ParseResolution(cfg.Stream.Resolution); err != nil {
		return fmt.Errorf("stream.resolution: %w", err)
	}

	// Storage
	if cfg.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if cfg.Storage.MaxGB <= 0 {
		return fmt.Errorf("storage.max_gb must be > 0")
	}
	if cfg.Storage.ClipDurationMinutes == 0 {
		cfg.Storage.ClipDurationMinutes = 5
	}
	if cfg.Storage.ClipDurationMinutes < 0 {
		return fmt.Errorf("storage.clip_duration_minutes must be > 0")
	}
	if cfg.Storage.Format == "" {
		cfg.Storage.Format = ".avi"
	}
	if !strings.HasPrefix(cfg.Storage.Format, ".") {
		cfg.Storage.Format = "." + cfg.Storage.Format
	}
	if cfg.Storage.Codec == "" {
		cfg.Storage.Codec = "MJPG"
	}
	if len(cfg.Storage.Codec) != 4 {
		return fmt.Errorf("storage.codec must be a fourcc, got %q", cfg.Storage.Codec)
	}
	switch cfg.Storage.Encoder {
	case "":
		cfg.Storage.Encoder = EncoderAVI
	case EncoderAVI, EncoderOpenCV:
	default:
		return fmt.Errorf("storage.encoder: unknown encoder '%s' (must be 'avi' or 'opencv')", cfg.Storage.Encoder)
	}
	if cfg.Storage.Encoder == EncoderAVI && cfg.Storage.Format != ".avi" {
		return fmt.Errorf("storage.format must be .avi for the avi encoder, got %s", cfg.Storage.Format)
	}

	// Queue
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 5
	}
	if cfg.Queue.EnqueueTimeoutMS <= 0 {
		cfg.Queue.EnqueueTimeoutMS = 100
	}

	// Capture
	if cfg.Capture.MaxMisses <= 0 {
		cfg.Capture.MaxMisses = 20
	}
	switch cfg.Capture.Deployment {
	case "":
		cfg.Capture.Deployment = DeploymentInProcess
	case DeploymentInProcess, DeploymentIsolated:
	default:
		return fmt.Errorf("capture.deployment: unknown mode '%s' (must be 'in_process' or 'isolated')", cfg.Capture.Deployment)
	}

	// Export
	if cfg.Export.DequeueTimeoutMS <= 0 {
		cfg.Export.DequeueTimeoutMS = 1000
	}
	if cfg.Export.MaxFailures <= 0 {
		cfg.Export.MaxFailures = 20
	}

	// Optional integrations
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "care/recorder"
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if cfg.Archive.Endpoint != "" && cfg.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive.endpoint is set")
	}
	if cfg.Archive.QueueSize <= 0 {
		cfg.Archive.QueueSize = 16
	}

	// Logging
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 5
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 2
	}

	return nil
}

func validateCamera(cam *CameraConfig) error {
	switch cam.Backend {
	case "":
		cam.Backend = BackendGStreamer
	case BackendGStreamer, BackendOpenCV, BackendMock:
	default:
		return fmt.Errorf("camera.backend: unknown backend '%s' (must be 'gst', 'opencv' or 'mock')", cam.Backend)
	}
	if cam.Interface == "" {
		cam.Interface = "wlan0"
	}
	if cam.Backend == BackendMock {
		return nil
	}
	if cam.URL != "" {
		return nil
	}
	if cam.URLTemplate == "" {
		return fmt.Errorf("camera.url or camera.url_template is required")
	}
	if strings.Contains(cam.URLTemplate, "{ip}") && cam.MAC == "" {
		return fmt.Errorf("camera.mac is required when camera.url_template contains {ip}")
	}
	return nil
}

// ParseResolution converts a resolution string to a target size.
// "native" (or empty) keeps the source resolution.
func ParseResolution(res string) (types.Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(res)) {
	case "", "native":
		return types.Resolution{}, nil
	case "320p":
		return types.Resolution{Width: 426, Height: 320}, nil
	case "480p":
		return types.Resolution{Width: 640, Height: 480}, nil
	case "512p":
		return types.Resolution{Width: 910, Height: 512}, nil
	case "720p":
		return types.Resolution{Width: 1280, Height: 720}, nil
	case "1080p":
		return types.Resolution{Width: 1920, Height: 1080}, nil
	}

	w, h, ok := strings.Cut(strings.ToLower(res), "x")
	if !ok {
		return types.Resolution{}, fmt.Errorf("unknown resolution %q", res)
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return types.Resolution{}, fmt.Errorf("invalid width in %q: %w", res, err)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return types.Resolution{}, fmt.Errorf("invalid height in %q: %w", res, err)
	}
	if width <= 0 || height <= 0 {
		return types.Resolution{}, fmt.Errorf("invalid resolution: %dx%d", width, height)
	}
	return types.Resolution{Width: width, Height: height}, nil
}

// TargetResolution returns the parsed stream.resolution (validated by Validate)
func (c *Config) TargetResolution() types.Resolution {
	res, _ := ParseResolution(c.Stream.Resolution)
	return res
}
