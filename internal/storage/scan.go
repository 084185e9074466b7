package storage

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/care/orion-recorder/internal/types"
)

// ScanSummary describes what Scan found on disk
type ScanSummary struct {
	Days    int
	Files   int
	Skipped []string // top-level entries that are not day directories
}

// Scan walks root and adds every existing clip file to index, grouped by day
// directory. The scratch directory, hidden entries and directories whose name
// is not a day key are skipped.
func Scan(root string, index *Index, logger *slog.Logger) (ScanSummary, error) {
	var summary ScanSummary

	entries, err := os.ReadDir(root)
	if err != nil {
		return summary, fmt.Errorf("failed to read storage root: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == ScratchDir || strings.HasPrefix(name, ".") {
			continue
		}
		if !IsDayKey(name) {
			summary.Skipped = append(summary.Skipped, name)
			logger.Warn("skipping non-day directory in storage root", "dir", name)
			continue
		}

		files, err := os.ReadDir(filepath.Join(root, name))
		if err != nil {
			return summary, fmt.Errorf("failed to read day directory %s: %w", name, err)
		}

		clipNames := make([]string, 0, len(files))
		for _, f := range files {
			if f.Type().IsRegular() && !strings.HasPrefix(f.Name(), ".") {
				clipNames = append(clipNames, f.Name())
			}
		}
		// HH_MM_SS names sort chronologically
		sort.Strings(clipNames)
		for _, clip := range clipNames {
			index.Add(name, clip)
		}

		summary.Days++
		summary.Files += len(clipNames)
	}

	logger.Info("storage scanned",
		"root", root,
		"days", summary.Days,
		"files", summary.Files,
	)
	return summary, nil
}

// Probe verifies write access to root by writing, reading back and removing a
// marker file. Any failure is fatal-storage.
func Probe(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return types.NewError(types.KindFatalStorage, "probe", fmt.Errorf("failed to create storage root: %w", err))
	}

	marker := filepath.Join(root, ProbeFile)
	want := []byte(uuid.NewString())

	if err := os.WriteFile(marker, want, 0o644); err != nil {
		return types.NewError(types.KindFatalStorage, "probe", fmt.Errorf("failed to write marker: %w", err))
	}
	defer os.Remove(marker)

	got, err := os.ReadFile(marker)
	if err != nil {
		return types.NewError(types.KindFatalStorage, "probe", fmt.Errorf("failed to read marker: %w", err))
	}
	if !bytes.Equal(got, want) {
		return types.NewError(types.KindFatalStorage, "probe", fmt.Errorf("marker content mismatch"))
	}
	return nil
}

// DirSize returns the total size in bytes of all regular files under root
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Files can vanish under a concurrent eviction or finalize rename
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure storage: %w", err)
	}
	return total, nil
}
