package types

import "time"

// EventKind identifies a pipeline event
type EventKind int

const (
	// EventClipOpened is emitted when the export loop opens a new clip
	EventClipOpened EventKind = iota
	// EventClipFinalized is emitted once a clip is closed and indexed
	EventClipFinalized
	// EventClipDiscarded is emitted for a clip that was removed instead of
	// finalized (no frames, encoder failure)
	EventClipDiscarded
	// EventDayEvicted is emitted for every day directory removed by the quota
	EventDayEvicted
	// EventPipelineFailed carries the fatal error that stopped the pipeline
	EventPipelineFailed
)

func (k EventKind) String() string {
	switch k {
	case EventClipOpened:
		return "clip_opened"
	case EventClipFinalized:
		return "clip_finalized"
	case EventClipDiscarded:
		return "clip_discarded"
	case EventDayEvicted:
		return "day_evicted"
	case EventPipelineFailed:
		return "pipeline_failed"
	default:
		return "unknown"
	}
}

// Eviction describes one removed day directory
type Eviction struct {
	Day   string    `json:"day"`
	Files []string  `json:"files"`
	Freed int64     `json:"freed_bytes"`
	At    time.Time `json:"at"`
}

// Event is delivered to pipeline observers. Clip is set for clip events,
// Eviction for EventDayEvicted, Err for discarded clips and failures.
type Event struct {
	Kind     EventKind
	At       time.Time
	Clip     Clip
	Eviction Eviction
	Err      error
}
