// Package storage owns the on-disk clip layout, the in-memory clip index and
// the storage quota policy.
//
// Layout:
//
//	<root>/
//	  .write_probe         transient marker written by Probe
//	  .dump/               scratch space (encoder spools), never indexed
//	  DD_MM_YY/            one directory per calendar day
//	    HH_MM_SS.avi       clip finalized by rollover
//	    HH_MM_SS_forced.avi clip finalized by shutdown or stall
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DayLayout formats day directory names (DD_MM_YY)
	DayLayout = "02_01_06"
	// TimeLayout formats clip file names (HH_MM_SS)
	TimeLayout = "15_04_05"
	// ScratchDir holds encoder scratch files. Excluded from the index.
	ScratchDir = ".dump"
	// ProbeFile is the write-access marker
	ProbeFile = ".write_probe"
	// ForcedSuffix marks clips finalized outside a normal rollover
	ForcedSuffix = "_forced"
)

// DayKey returns the day directory name for t
func DayKey(t time.Time) string {
	return t.Format(DayLayout)
}

// ParseDay parses a day directory name
func ParseDay(key string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, key, time.Local)
}

// IsDayKey reports whether name is a valid day directory name
func IsDayKey(name string) bool {
	_, err := ParseDay(name)
	return err == nil
}

// ForcedName inserts the forced suffix before the extension
func ForcedName(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ForcedSuffix + ext
}

// Layout resolves clip paths under a storage root
type Layout struct {
	Root string
	Ext  string // including the leading dot
}

// DayDir returns the absolute directory of a day
func (l Layout) DayDir(day string) string {
	return filepath.Join(l.Root, day)
}

// ScratchPath returns the scratch directory
func (l Layout) ScratchPath() string {
	return filepath.Join(l.Root, ScratchDir)
}

// NextClip picks the day key, file name and path for a clip opened at t and
// creates the day directory. A name already on disk gets a numeric suffix
// (two clips opened within the same second).
func (l Layout) NextClip(t time.Time) (day, name, path string, err error) {
	day = DayKey(t)
	dir := l.DayDir(day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", "", fmt.Errorf("failed to create day directory: %w", err)
	}

	base := t.Format(TimeLayout)
	name = base + l.Ext
	for n := 1; ; n++ {
		path = filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if _, err := os.Stat(filepath.Join(dir, ForcedName(name))); os.IsNotExist(err) {
				return day, name, path, nil
			}
		}
		name = fmt.Sprintf("%s_%d%s", base, n, l.Ext)
	}
}
