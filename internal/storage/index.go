package storage

import (
	"sort"
	"sync"
)

// indexEntry is one clip file within a day
type indexEntry struct {
	name      string
	committed bool
}

// Index maps day keys to the clip files recorded that day.
//
// Days are ordered by calendar date, files keep insertion order. A clip is
// reserved when it opens (so a crash mid-clip still leaves a discoverable
// entry for eviction) and committed once finalized. Files only ever lists
// committed names.
//
// The day of the most recently reserved clip stays pinned until Release, so
// eviction cannot remove it between a rollover commit and the next Reserve.
//
// Thread-safety: one mutex guards every read/append/remove.
type Index struct {
	mu        sync.Mutex
	days      map[string][]indexEntry
	activeDay string
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{days: make(map[string][]indexEntry)}
}

// Add records an already finalized file (startup scan)
func (i *Index) Add(day, name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.days[day] = append(i.days[day], indexEntry{name: name, committed: true})
}

// Reserve records the slot of a clip that was just opened and pins its day.
// The pinned day is never returned by OldestDay.
func (i *Index) Reserve(day, name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.days[day] = append(i.days[day], indexEntry{name: name})
	i.activeDay = day
}

// Commit marks a reserved clip finalized under its final name (which differs
// from the reserved one for forced closes).
// Returns false if the reservation is gone (its day was evicted meanwhile).
func (i *Index) Commit(day, reserved, final string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries := i.days[day]
	for n := range entries {
		if entries[n].name == reserved && !entries[n].committed {
			entries[n].name = final
			entries[n].committed = true
			return true
		}
	}
	return false
}

// Withdraw drops a reservation that never produced a finalized file
func (i *Index) Withdraw(day, name string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries := i.days[day]
	for n := range entries {
		if entries[n].name == name && !entries[n].committed {
			i.days[day] = append(entries[:n], entries[n+1:]...)
			break
		}
	}
	if len(i.days[day]) == 0 {
		delete(i.days, day)
	}
}

// Release unpins the active day (export loop terminated)
func (i *Index) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.activeDay = ""
}

// ActiveDay returns the pinned day of the current clip ("" when none)
func (i *Index) ActiveDay() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.activeDay
}

// Days returns all day keys, oldest first
func (i *Index) Days() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sortedDays()
}

func (i *Index) sortedDays() []string {
	days := make([]string, 0, len(i.days))
	for day := range i.days {
		days = append(days, day)
	}
	sort.Slice(days, func(a, b int) bool { return dayLess(days[a], days[b]) })
	return days
}

// Files returns the committed file names of a day in insertion order
func (i *Index) Files(day string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	var names []string
	for _, e := range i.days[day] {
		if e.committed {
			names = append(names, e.name)
		}
	}
	return names
}

// OldestDay returns the earliest day by date, skipping the active day
func (i *Index) OldestDay() (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, day := range i.sortedDays() {
		if day != i.activeDay {
			return day, true
		}
	}
	return "", false
}

// RemoveDay drops a whole day and returns the names it held
func (i *Index) RemoveDay(day string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries := i.days[day]
	delete(i.days, day)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names
}

// Len returns the number of committed files across all days
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	n := 0
	for _, entries := range i.days {
		for _, e := range entries {
			if e.committed {
				n++
			}
		}
	}
	return n
}

// dayLess orders day keys by calendar date; unparseable keys sort last
func dayLess(a, b string) bool {
	ta, errA := ParseDay(a)
	tb, errB := ParseDay(b)
	switch {
	case errA != nil && errB != nil:
		return a < b
	case errA != nil:
		return false
	case errB != nil:
		return true
	}
	if ta.Equal(tb) {
		return a < b
	}
	return ta.Before(tb)
}
