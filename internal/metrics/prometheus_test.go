package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/care/orion-recorder/internal/core"
	"github.com/care/orion-recorder/internal/types"
)

func TestObserver_CountsClips(t *testing.T) {
	rolled := testutil.ToFloat64(ClipsTotal.WithLabelValues("rolled"))
	forced := testutil.ToFloat64(ClipsTotal.WithLabelValues("forced"))
	frames := testutil.ToFloat64(ClipFramesTotal)

	var obs Observer
	obs.Observe(types.Event{Kind: types.EventClipFinalized, Clip: types.Clip{Frames: 100, Bytes: 1000, AchievedFPS: 10}})
	obs.Observe(types.Event{Kind: types.EventClipFinalized, Clip: types.Clip{Frames: 20, Forced: true}})

	if got := testutil.ToFloat64(ClipsTotal.WithLabelValues("rolled")) - rolled; got != 1 {
		t.Errorf("rolled clips += %v, want 1", got)
	}
	if got := testutil.ToFloat64(ClipsTotal.WithLabelValues("forced")) - forced; got != 1 {
		t.Errorf("forced clips += %v, want 1", got)
	}
	if got := testutil.ToFloat64(ClipFramesTotal) - frames; got != 120 {
		t.Errorf("frames += %v, want 120", got)
	}
}

func TestObserver_FailureKind(t *testing.T) {
	before := testutil.ToFloat64(PipelineFailuresTotal.WithLabelValues("fatal-storage"))

	Observer{}.Observe(types.Event{
		Kind: types.EventPipelineFailed,
		Err:  types.NewError(types.KindFatalStorage, "quota", errors.New("active day exceeds budget")),
	})

	if got := testutil.ToFloat64(PipelineFailuresTotal.WithLabelValues("fatal-storage")) - before; got != 1 {
		t.Errorf("fatal-storage failures += %v, want 1", got)
	}
}

func TestTrackHealth_FollowsCurrentRecorder(t *testing.T) {
	TrackHealth(func() core.HealthStatus {
		h := core.HealthStatus{Status: "healthy"}
		h.Queue.Len = 3
		return h
	})

	if got := gaugeValue(t, "recorder_queue_length"); got != 3 {
		t.Errorf("recorder_queue_length = %v, want 3", got)
	}

	// a restarted pipeline replaces the source without re-registering
	TrackHealth(func() core.HealthStatus { return core.HealthStatus{Status: "unhealthy"} })

	if got := gaugeValue(t, "recorder_up"); got != 0 {
		t.Errorf("recorder_up = %v, want 0", got)
	}
}

func gaugeValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) == 1 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
