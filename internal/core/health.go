package core

import (
	"time"

	"github.com/care/orion-recorder/internal/capture"
	"github.com/care/orion-recorder/internal/export"
	"github.com/care/orion-recorder/internal/storage"
)

// QueueHealth is the frame queue occupancy and drop count
type QueueHealth struct {
	Len      int    `json:"len"`
	Capacity int    `json:"capacity"`
	Enqueued uint64 `json:"enqueued"`
	Dequeued uint64 `json:"dequeued"`
	Dropped  uint64 `json:"dropped"`
}

// StorageHealth describes the clip store
type StorageHealth struct {
	Root      string             `json:"root"`
	Days      int                `json:"days"`
	Files     int                `json:"files"`
	ActiveDay string             `json:"active_day,omitempty"`
	Quota     storage.QuotaStats `json:"quota"`
	Disk      *storage.DiskStat  `json:"disk,omitempty"`
}

// HealthStatus represents the health state of the recorder
type HealthStatus struct {
	Status        string        `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64         `json:"uptime_seconds"`
	Error         string        `json:"error,omitempty"`
	Capture       capture.Stats `json:"capture"`
	Export        export.Stats  `json:"export"`
	Queue         QueueHealth   `json:"queue"`
	Storage       StorageHealth `json:"storage"`
	DroppedEvents uint64        `json:"dropped_events"`
}

// HealthCheck returns the current health status of the recorder.
//
// Unhealthy when not running or stopping; degraded while capture misses or
// export failures are accumulating.
func (r *Recorder) HealthCheck() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		DroppedEvents: r.droppedEvts.Load(),
	}
	if !r.started.IsZero() {
		status.UptimeSeconds = int64(time.Since(r.started).Seconds())
	}
	if r.err != nil {
		status.Error = r.err.Error()
	}

	if r.capture != nil {
		status.Capture = r.capture.Stats()
	}
	if r.export != nil {
		status.Export = r.export.Stats()
	}
	if r.queue != nil {
		qs := r.queue.Stats()
		status.Queue = QueueHealth{
			Len:      qs.Len,
			Capacity: qs.Capacity,
			Enqueued: qs.Enqueued,
			Dequeued: qs.Dequeued,
			Dropped:  qs.Dropped,
		}
	}
	if r.index != nil {
		status.Storage = StorageHealth{
			Root:      r.cfg.Storage.Root,
			Days:      len(r.index.Days()),
			Files:     r.index.Len(),
			ActiveDay: r.index.ActiveDay(),
		}
		if r.quota != nil {
			status.Storage.Quota = r.quota.Stats()
		}
		if d, err := storage.Disk(r.cfg.Storage.Root); err == nil {
			status.Storage.Disk = &d
		}
	}

	switch {
	case !r.running || !r.healthy.Load():
		status.Status = "unhealthy"
	case status.Capture.ConsecutiveMisses > 0 || status.Export.ConsecutiveFailures > 0:
		status.Status = "degraded"
	}

	return status
}
