// Package archive copies finalized clips to S3-compatible object storage so
// recordings survive local eviction and device loss.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/care/orion-recorder/internal/types"
)

// uploadTimeout bounds one object upload
const uploadTimeout = 5 * time.Minute

// Store uploads one file
type Store interface {
	Upload(ctx context.Context, key, path string, meta map[string]string) error
}

// MinioConfig configures the minio store
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// MinioStore implements Store with minio-go
type MinioStore struct {
	client *miniogo.Client
	bucket string
}

// NewMinioStore creates the minio client. No request is made until
// EnsureBucket or Upload.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when missing
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Upload implements Store
func (s *MinioStore) Upload(ctx context.Context, key, filePath string, meta map[string]string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, key, filePath, miniogo.PutObjectOptions{
		ContentType:  "video/x-msvideo",
		UserMetadata: meta,
	})
	if err != nil {
		return fmt.Errorf("upload clip: %w", err)
	}
	return nil
}

// Stats contains uploader counters
type Stats struct {
	Uploaded uint64 `json:"uploaded"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Skipped  uint64 `json:"skipped"`
	Pending  int    `json:"pending"`
}

// Uploader archives finalized clips in the background. The job channel is
// bounded; clips arriving while it is full are dropped and counted.
type Uploader struct {
	store      Store
	instanceID string
	jobs       chan types.Clip
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}

	uploaded atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	skipped  atomic.Uint64
}

// NewUploader creates an uploader with room for queueSize pending clips
func NewUploader(store Store, instanceID string, queueSize int, logger *slog.Logger) *Uploader {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Uploader{
		store:      store,
		instanceID: instanceID,
		jobs:       make(chan types.Clip, queueSize),
		done:       make(chan struct{}),
		logger:     logger.With("component", "archive"),
	}
}

// Key returns the object key of a clip: <instance>/<day>/<name>
func (u *Uploader) Key(clip types.Clip) string {
	return path.Join(u.instanceID, clip.Day, clip.Name)
}

// Observe queues finalized clips for upload without blocking
func (u *Uploader) Observe(event types.Event) {
	if event.Kind != types.EventClipFinalized {
		return
	}
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return
	}
	select {
	case u.jobs <- event.Clip:
	default:
		u.dropped.Add(1)
		u.logger.Warn("archive queue full, clip not archived",
			"day", event.Clip.Day,
			"file", event.Clip.Name,
		)
	}
}

// Run uploads queued clips until ctx is cancelled or Close drained the queue
func (u *Uploader) Run(ctx context.Context) {
	defer close(u.done)
	for {
		select {
		case <-ctx.Done():
			return
		case clip, ok := <-u.jobs:
			if !ok {
				return
			}
			u.upload(ctx, clip)
		}
	}
}

func (u *Uploader) upload(ctx context.Context, clip types.Clip) {
	logger := u.logger.With("day", clip.Day, "file", clip.Name)

	// The quota may have evicted the day while the clip waited
	if _, err := os.Stat(clip.Path); err != nil {
		u.skipped.Add(1)
		logger.Warn("clip vanished before upload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	start := time.Now()
	key := u.Key(clip)
	meta := map[string]string{
		"clip-id":      clip.ID,
		"frames":       fmt.Sprint(clip.Frames),
		"achieved-fps": fmt.Sprintf("%.3f", clip.AchievedFPS),
		"started-at":   clip.StartedAt.UTC().Format(time.RFC3339),
	}
	if err := u.store.Upload(ctx, key, clip.Path, meta); err != nil {
		u.failed.Add(1)
		logger.Error("clip upload failed", "key", key, "error", err)
		return
	}

	u.uploaded.Add(1)
	logger.Info("clip archived",
		"key", key,
		"bytes", clip.Bytes,
		"duration", time.Since(start),
	)
}

// Close stops accepting clips and waits for the queued ones, or ctx
func (u *Uploader) Close(ctx context.Context) error {
	u.mu.Lock()
	if !u.closed {
		u.closed = true
		close(u.jobs)
	}
	u.mu.Unlock()

	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("archive drain interrupted with %d clips pending: %w", len(u.jobs), ctx.Err())
	}
}

// Stats returns the uploader counters
func (u *Uploader) Stats() Stats {
	return Stats{
		Uploaded: u.uploaded.Load(),
		Failed:   u.failed.Load(),
		Dropped:  u.dropped.Load(),
		Skipped:  u.skipped.Load(),
		Pending:  len(u.jobs),
	}
}
