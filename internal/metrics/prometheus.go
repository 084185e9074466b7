// Package metrics exposes recorder counters and gauges to Prometheus
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/care/orion-recorder/internal/core"
	"github.com/care/orion-recorder/internal/types"
)

var (
	ClipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_clips_total",
		Help: "Total number of clips closed, by outcome (rolled, forced, discarded)",
	}, []string{"outcome"})

	ClipFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_clip_frames_total",
		Help: "Total number of frames in finalized clips",
	})

	ClipBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_clip_bytes_total",
		Help: "Total size of finalized clips",
	})

	ClipAchievedFPS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recorder_clip_achieved_fps",
		Help:    "Achieved frame rate of finalized clips",
		Buckets: []float64{1, 2, 5, 8, 10, 12, 15, 20, 25, 30},
	})

	EvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_evictions_total",
		Help: "Total number of day directories evicted by the storage quota",
	})

	EvictedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_evicted_bytes_total",
		Help: "Total bytes freed by eviction",
	})

	PipelineFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recorder_pipeline_failures_total",
		Help: "Total number of pipeline runs stopped by a fatal error, by kind",
	}, []string{"kind"})

	PipelineRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recorder_pipeline_restarts_total",
		Help: "Total number of pipeline restarts",
	})
)

// Observer feeds pipeline events into the collectors
type Observer struct{}

// Observe implements core.Observer
func (Observer) Observe(event types.Event) {
	switch event.Kind {
	case types.EventClipFinalized:
		outcome := "rolled"
		if event.Clip.Forced {
			outcome = "forced"
		}
		ClipsTotal.WithLabelValues(outcome).Inc()
		ClipFramesTotal.Add(float64(event.Clip.Frames))
		ClipBytesTotal.Add(float64(event.Clip.Bytes))
		if event.Clip.AchievedFPS > 0 {
			ClipAchievedFPS.Observe(event.Clip.AchievedFPS)
		}
	case types.EventClipDiscarded:
		ClipsTotal.WithLabelValues("discarded").Inc()
	case types.EventDayEvicted:
		EvictionsTotal.Inc()
		EvictedBytesTotal.Add(float64(event.Eviction.Freed))
	case types.EventPipelineFailed:
		kind := "unclassified"
		if k, ok := types.KindOf(event.Err); ok {
			kind = k.String()
		}
		PipelineFailuresTotal.WithLabelValues(kind).Inc()
	}
}

var (
	healthOnce sync.Once
	healthSrc  atomic.Pointer[func() core.HealthStatus]
)

// TrackHealth publishes gauges derived from the health snapshot of the
// current pipeline. Each restart points the gauges at the new recorder.
func TrackHealth(snapshot func() core.HealthStatus) {
	healthSrc.Store(&snapshot)
	healthOnce.Do(registerHealthGauges)
}

func currentHealth() (core.HealthStatus, bool) {
	fn := healthSrc.Load()
	if fn == nil {
		return core.HealthStatus{}, false
	}
	return (*fn)(), true
}

func healthGauge(name, help string, value func(h core.HealthStatus) float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
		h, ok := currentHealth()
		if !ok {
			return 0
		}
		return value(h)
	})
}

func registerHealthGauges() {
	healthGauge("recorder_up", "1 when the pipeline is running and healthy or degraded",
		func(h core.HealthStatus) float64 {
			if h.Status == "unhealthy" {
				return 0
			}
			return 1
		})
	healthGauge("recorder_capture_fps", "Measured capture frame rate",
		func(h core.HealthStatus) float64 { return h.Capture.FPS })
	healthGauge("recorder_capture_consecutive_misses", "Current run of failed source reads",
		func(h core.HealthStatus) float64 { return float64(h.Capture.ConsecutiveMisses) })
	healthGauge("recorder_export_consecutive_failures", "Current run of export timeouts and write errors",
		func(h core.HealthStatus) float64 { return float64(h.Export.ConsecutiveFailures) })
	healthGauge("recorder_queue_length", "Frames waiting in the frame queue",
		func(h core.HealthStatus) float64 { return float64(h.Queue.Len) })
	healthGauge("recorder_queue_dropped_frames", "Frames dropped because the queue was full (current run)",
		func(h core.HealthStatus) float64 { return float64(h.Queue.Dropped) })
	healthGauge("recorder_storage_usage_bytes", "Bytes under the storage root at the last quota pass",
		func(h core.HealthStatus) float64 { return float64(h.Storage.Quota.UsageBytes) })
	healthGauge("recorder_storage_budget_bytes", "Configured storage budget",
		func(h core.HealthStatus) float64 { return float64(h.Storage.Quota.Budget) })
	healthGauge("recorder_storage_days", "Day directories in the index",
		func(h core.HealthStatus) float64 { return float64(h.Storage.Days) })
	healthGauge("recorder_storage_files", "Clips in the index",
		func(h core.HealthStatus) float64 { return float64(h.Storage.Files) })
}
