package types

import "time"

// Clip describes one on-disk video file produced by the export loop
type Clip struct {
	// ID is a unique identifier for the clip (catalog key, event payloads)
	ID string `json:"id"`
	// Day is the day-directory key (DD_MM_YY)
	Day string `json:"day"`
	// Name is the file name inside the day directory
	Name string `json:"name"`
	// Path is the absolute file path
	Path string `json:"path"`
	// StartedAt is when the clip was opened
	StartedAt time.Time `json:"started_at"`
	// ClosedAt is when the clip was finalized (zero while open)
	ClosedAt time.Time `json:"closed_at,omitempty"`
	// TargetFPS is the configured nominal frame rate
	TargetFPS float64 `json:"target_fps"`
	// AchievedFPS is frames / elapsed seconds, computed at finalize
	AchievedFPS float64 `json:"achieved_fps"`
	// Frames is the number of frames written
	Frames uint64 `json:"frames"`
	// Bytes is the file size after finalize
	Bytes int64 `json:"bytes"`
	// Forced is true when the clip was closed by shutdown or stall instead of rollover
	Forced bool `json:"forced"`
}

// Duration returns the wall-clock span covered by the clip
func (c Clip) Duration() time.Duration {
	if c.ClosedAt.IsZero() {
		return 0
	}
	return c.ClosedAt.Sub(c.StartedAt)
}
