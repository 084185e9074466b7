package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override (e.g. RECORDER_STORAGE_ROOT)
const EnvPrefix = "RECORDER_"

// Config represents the complete recorder configuration
type Config struct {
	InstanceID       string `yaml:"instance_id" env:"INSTANCE_ID"`
	ShutdownTimeoutS int    `yaml:"shutdown_timeout_s" env:"SHUTDOWN_TIMEOUT_S"` // Graceful shutdown timeout in seconds (default: 10)
	RestartDelayS    int    `yaml:"restart_delay_s" env:"RESTART_DELAY_S"`       // Wait before restarting a crashed pipeline (default: 10)

	Camera  CameraConfig  `yaml:"camera" envPrefix:"CAMERA_"`
	Stream  StreamConfig  `yaml:"stream" envPrefix:"STREAM_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Queue   QueueConfig   `yaml:"queue" envPrefix:"QUEUE_"`
	Capture CaptureConfig `yaml:"capture" envPrefix:"CAPTURE_"`
	Export  ExportConfig  `yaml:"export" envPrefix:"EXPORT_"`
	Catalog CatalogConfig `yaml:"catalog" envPrefix:"CATALOG_"`
	MQTT    MQTTConfig    `yaml:"mqtt" envPrefix:"MQTT_"`
	Archive ArchiveConfig `yaml:"archive" envPrefix:"ARCHIVE_"`
	HTTP    HTTPConfig    `yaml:"http" envPrefix:"HTTP_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

// CameraConfig contains camera settings
type CameraConfig struct {
	MAC         string `yaml:"mac" env:"MAC"`                   // resolve the IP via ARP when set
	URLTemplate string `yaml:"url_template" env:"URL_TEMPLATE"` // e.g. rtsp://user:pass@{ip}:554/stream1
	URL         string `yaml:"url" env:"URL"`                   // fixed stream URL (skips discovery)
	Backend     string `yaml:"backend" env:"BACKEND"`           // gst, opencv, mock
	Interface   string `yaml:"interface" env:"INTERFACE"`       // network interface for arp-scan
}

// StreamConfig contains frame settings
type StreamConfig struct {
	Resolution string  `yaml:"resolution" env:"RESOLUTION"` // native, WxH, 480p, 720p, 1080p
	FPS        float64 `yaml:"fps" env:"FPS"`               // nominal frame rate
}

// StorageConfig contains clip storage settings
type StorageConfig struct {
	Root                string  `yaml:"root" env:"ROOT"`
	MaxGB               float64 `yaml:"max_gb" env:"MAX_GB"`
	Format              string  `yaml:"format" env:"FORMAT"`   // file extension, e.g. .avi
	Codec               string  `yaml:"codec" env:"CODEC"`     // fourcc, e.g. MJPG
	Encoder             string  `yaml:"encoder" env:"ENCODER"` // avi, opencv
	ClipDurationMinutes float64 `yaml:"clip_duration_minutes" env:"CLIP_DURATION_MINUTES"`
}

// QueueConfig contains frame queue settings
type QueueConfig struct {
	Capacity         int `yaml:"capacity" env:"CAPACITY"`
	EnqueueTimeoutMS int `yaml:"enqueue_timeout_ms" env:"ENQUEUE_TIMEOUT_MS"`
}

// CaptureConfig contains capture loop settings
type CaptureConfig struct {
	MaxMisses  int    `yaml:"max_misses" env:"MAX_MISSES"` // consecutive read failures before fatal
	Deployment string `yaml:"deployment" env:"DEPLOYMENT"` // in_process, isolated
}

// ExportConfig contains export loop settings
type ExportConfig struct {
	DequeueTimeoutMS int `yaml:"dequeue_timeout_ms" env:"DEQUEUE_TIMEOUT_MS"`
	MaxFailures      int `yaml:"max_failures" env:"MAX_FAILURES"` // consecutive dequeue timeouts/write errors before fatal
}

// CatalogConfig contains clip catalog settings
type CatalogConfig struct {
	Path string `yaml:"path" env:"PATH"` // sqlite file, empty disables the catalog
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker      string `yaml:"broker" env:"BROKER"` // host:port, empty disables events
	TopicPrefix string `yaml:"topic_prefix" env:"TOPIC_PREFIX"`
	QoS         byte   `yaml:"qos" env:"QOS"`
}

// ArchiveConfig contains off-site clip archive settings
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"` // empty disables the archive
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	QueueSize int    `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// HTTPConfig contains the health/API server settings
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR"` // empty disables the server
}

// LogConfig contains logging settings
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	File       string `yaml:"file" env:"FILE"` // rotating log file, empty logs to stdout only
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
}

// Load reads and parses a YAML configuration file, applies environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv overrides fields from RECORDER_* environment variables.
// Unset variables leave the file values untouched.
func ApplyEnv(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix})
}

// StreamURL returns the source locator for the given camera IP.
// A fixed camera.url wins over the template.
func (c *Config) StreamURL(ip string) string {
	if c.Camera.URL != "" {
		return c.Camera.URL
	}
	return strings.ReplaceAll(c.Camera.URLTemplate, "{ip}", ip)
}

// NeedsDiscovery reports whether the stream URL depends on a MAC lookup
func (c *Config) NeedsDiscovery() bool {
	return c.Camera.URL == "" && c.Camera.MAC != "" && strings.Contains(c.Camera.URLTemplate, "{ip}")
}

// ClipDuration returns the rollover threshold
func (c *Config) ClipDuration() time.Duration {
	return time.Duration(c.Storage.ClipDurationMinutes * float64(time.Minute))
}

// MaxStorageBytes returns the storage budget in bytes
func (c *Config) MaxStorageBytes() int64 {
	return int64(c.Storage.MaxGB * 1024 * 1024 * 1024)
}

// EnqueueTimeout returns the bounded wait of the capture loop on a full queue
func (c *Config) EnqueueTimeout() time.Duration {
	return time.Duration(c.Queue.EnqueueTimeoutMS) * time.Millisecond
}

// DequeueTimeout returns the bounded wait of the export loop on an empty queue
func (c *Config) DequeueTimeout() time.Duration {
	return time.Duration(c.Export.DequeueTimeoutMS) * time.Millisecond
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// RestartDelay returns the wait between pipeline restarts
func (c *Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayS) * time.Second
}
