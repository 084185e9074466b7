package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/care/orion-recorder/internal/logging"
	"github.com/care/orion-recorder/internal/types"
)

const mb = 1024 * 1024

// makeClip creates a sparse file of the given logical size
func makeClip(t *testing.T, root, day, name string, size int64) {
	t.Helper()
	dir := filepath.Join(root, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
}

func newScannedIndex(t *testing.T, root string) *Index {
	t.Helper()
	index := NewIndex()
	if _, err := Scan(root, index, logging.Discard()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	return index
}

// --- Layout ---

func TestLayout_NextClip(t *testing.T) {
	root := t.TempDir()
	layout := Layout{Root: root, Ext: ".avi"}
	at := time.Date(2024, time.March, 7, 14, 5, 9, 0, time.Local)

	day, name, path, err := layout.NextClip(at)
	if err != nil {
		t.Fatalf("NextClip() error = %v", err)
	}
	if day != "07_03_24" || name != "14_05_09.avi" {
		t.Errorf("NextClip() = (%s, %s), want (07_03_24, 14_05_09.avi)", day, name)
	}
	if path != filepath.Join(root, "07_03_24", "14_05_09.avi") {
		t.Errorf("path = %s", path)
	}

	// Same second again: file now exists, a numbered name is picked
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, name2, _, err := layout.NextClip(at)
	if err != nil {
		t.Fatalf("NextClip() error = %v", err)
	}
	if name2 != "14_05_09_1.avi" {
		t.Errorf("collision name = %s, want 14_05_09_1.avi", name2)
	}
}

func TestForcedName(t *testing.T) {
	if got := ForcedName("10_00_00.avi"); got != "10_00_00_forced.avi" {
		t.Errorf("ForcedName() = %s", got)
	}
}

// --- Index ---

func TestIndex_DaysOrderedByDate(t *testing.T) {
	index := NewIndex()
	// lexical order would put 01_02_24 first
	index.Add("31_01_24", "a.avi")
	index.Add("01_02_24", "b.avi")
	index.Add("15_12_23", "c.avi")

	want := []string{"15_12_23", "31_01_24", "01_02_24"}
	if got := index.Days(); !reflect.DeepEqual(got, want) {
		t.Errorf("Days() = %v, want %v", got, want)
	}
	if oldest, _ := index.OldestDay(); oldest != "15_12_23" {
		t.Errorf("OldestDay() = %s", oldest)
	}
}

func TestIndex_ReserveCommitWithdraw(t *testing.T) {
	index := NewIndex()

	index.Reserve("01_02_24", "10_00_00.avi")
	if files := index.Files("01_02_24"); len(files) != 0 {
		t.Errorf("reserved clip listed before commit: %v", files)
	}
	if index.ActiveDay() != "01_02_24" {
		t.Errorf("ActiveDay() = %q", index.ActiveDay())
	}

	if !index.Commit("01_02_24", "10_00_00.avi", "10_00_00_forced.avi") {
		t.Fatal("Commit() = false")
	}
	if files := index.Files("01_02_24"); !reflect.DeepEqual(files, []string{"10_00_00_forced.avi"}) {
		t.Errorf("Files() = %v", files)
	}

	index.Reserve("01_02_24", "10_05_00.avi")
	index.Withdraw("01_02_24", "10_05_00.avi")
	if index.Len() != 1 {
		t.Errorf("Len() = %d, want 1", index.Len())
	}

	// Day stays pinned until Release
	if _, ok := index.OldestDay(); ok {
		t.Error("OldestDay() returned the pinned day")
	}
	index.Release()
	if day, ok := index.OldestDay(); !ok || day != "01_02_24" {
		t.Errorf("OldestDay() after Release = (%s, %v)", day, ok)
	}
}

func TestIndex_CommitAfterEviction(t *testing.T) {
	index := NewIndex()
	index.Reserve("01_02_24", "10_00_00.avi")
	index.RemoveDay("01_02_24")
	if index.Commit("01_02_24", "10_00_00.avi", "10_00_00.avi") {
		t.Error("Commit() succeeded for an evicted reservation")
	}
}

// --- Scan / Probe ---

func TestScan_SkipsScratchAndForeignDirs(t *testing.T) {
	root := t.TempDir()
	makeClip(t, root, "01_02_24", "10_05_00.avi", 10)
	makeClip(t, root, "01_02_24", "10_00_00.avi", 10)
	makeClip(t, root, "02_02_24", "08_00_00.avi", 10)
	makeClip(t, root, ScratchDir, "spool.raw", 10)
	makeClip(t, root, "lost+found", "junk", 10)

	index := NewIndex()
	summary, err := Scan(root, index, logging.Discard())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if summary.Days != 2 || summary.Files != 3 {
		t.Errorf("summary = %+v", summary)
	}
	if !reflect.DeepEqual(summary.Skipped, []string{"lost+found"}) {
		t.Errorf("Skipped = %v", summary.Skipped)
	}
	if got := index.Files("01_02_24"); !reflect.DeepEqual(got, []string{"10_00_00.avi", "10_05_00.avi"}) {
		t.Errorf("Files() = %v", got)
	}
}

func TestProbe(t *testing.T) {
	root := filepath.Join(t.TempDir(), "clips")
	if err := Probe(root); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ProbeFile)); !os.IsNotExist(err) {
		t.Error("probe marker left behind")
	}

	// A regular file in place of a directory cannot host the root
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	err := Probe(filepath.Join(blocker, "clips"))
	if kind, ok := types.KindOf(err); !ok || kind != types.KindFatalStorage {
		t.Errorf("Probe() on unwritable root: err = %v, want fatal-storage", err)
	}
}

// --- Quota ---

// TestEnforce_EvictsOldestPrefixOnly covers 60/30/20 MB days under a 100 MB
// budget: only the 60 MB day goes, 50 MB remain.
func TestEnforce_EvictsOldestPrefixOnly(t *testing.T) {
	root := t.TempDir()
	makeClip(t, root, "01_02_24", "10_00_00.avi", 60*mb)
	makeClip(t, root, "02_02_24", "10_00_00.avi", 30*mb)
	makeClip(t, root, "03_02_24", "10_00_00.avi", 20*mb)

	index := newScannedIndex(t, root)
	quota := NewQuotaManager(root, index, 100*mb, logging.Discard())

	var evicted []Eviction
	quota.OnEvict(func(e Eviction) { evicted = append(evicted, e) })

	res, err := quota.Enforce(100 * mb)
	if err != nil {
		t.Fatalf("Enforce() error = %v", err)
	}

	if !reflect.DeepEqual(res.Evicted, []string{"01_02_24"}) {
		t.Errorf("Evicted = %v, want [01_02_24]", res.Evicted)
	}
	if res.Before != 110*mb || res.After != 50*mb {
		t.Errorf("usage before/after = %d/%d, want %d/%d", res.Before, res.After, 110*mb, 50*mb)
	}
	if _, err := os.Stat(filepath.Join(root, "01_02_24")); !os.IsNotExist(err) {
		t.Error("evicted day directory still on disk")
	}
	if len(evicted) != 1 || evicted[0].Freed != 60*mb {
		t.Errorf("eviction callbacks = %+v", evicted)
	}
	if got := index.Days(); !reflect.DeepEqual(got, []string{"02_02_24", "03_02_24"}) {
		t.Errorf("index days = %v", got)
	}

	// Idempotent: already under budget, nothing changes
	res, err = quota.Enforce(100 * mb)
	if err != nil || len(res.Evicted) != 0 || res.After != 50*mb {
		t.Errorf("second Enforce() = %+v, %v", res, err)
	}

	t.Logf("✅ evicted %v, usage now %d MB", evicted[0].Day, res.After/mb)
}

func TestEnforce_NeverEvictsActiveDay(t *testing.T) {
	root := t.TempDir()
	makeClip(t, root, "01_02_24", "10_00_00.avi", 5*mb)

	index := newScannedIndex(t, root)
	index.Reserve("01_02_24", "10_05_00.avi")

	quota := NewQuotaManager(root, index, 1*mb, logging.Discard())
	_, err := quota.Enforce(1 * mb)

	if kind, ok := types.KindOf(err); !ok || kind != types.KindFatalStorage {
		t.Fatalf("Enforce() err = %v, want fatal-storage", err)
	}
	if _, err := os.Stat(filepath.Join(root, "01_02_24", "10_00_00.avi")); err != nil {
		t.Error("active day was touched")
	}
}

func TestEnforce_PassBound(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.Local)
	for d := 0; d < 12; d++ {
		makeClip(t, root, DayKey(start.AddDate(0, 0, d)), "10_00_00.avi", mb)
	}

	index := newScannedIndex(t, root)
	quota := NewQuotaManager(root, index, 1, logging.Discard())

	res, err := quota.Enforce(1)
	if !types.IsFatal(err) {
		t.Fatalf("Enforce() err = %v, want fatal", err)
	}
	if res.Passes != DefaultMaxPasses || len(res.Evicted) != DefaultMaxPasses {
		t.Errorf("passes = %d, evicted = %d, want %d", res.Passes, len(res.Evicted), DefaultMaxPasses)
	}
	// the evicted days are the 10 oldest
	if res.Evicted[0] != "01_01_24" || res.Evicted[9] != "10_01_24" {
		t.Errorf("Evicted = %v", res.Evicted)
	}
}

func TestQuotaManager_RunReportsFatal(t *testing.T) {
	root := t.TempDir()
	makeClip(t, root, "01_02_24", "10_00_00.avi", 2*mb)
	index := newScannedIndex(t, root)
	index.Reserve("01_02_24", "10_05_00.avi")

	quota := NewQuotaManager(root, index, mb, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go quota.Run(ctx)

	quota.Trigger()
	quota.Trigger() // coalesced

	select {
	case err := <-quota.Fatal():
		if kind, _ := types.KindOf(err); kind != types.KindFatalStorage {
			t.Errorf("fatal kind = %v", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error reported")
	}
	if quota.Stats().Runs == 0 {
		t.Error("Stats().Runs = 0")
	}
}

func TestDirSize(t *testing.T) {
	root := t.TempDir()
	makeClip(t, root, "01_02_24", "a.avi", 1000)
	makeClip(t, root, ScratchDir, "b.raw", 24)

	size, err := DirSize(root)
	if err != nil {
		t.Fatal(err)
	}
	if size != 1024 {
		t.Errorf("DirSize() = %d, want 1024", size)
	}
}
