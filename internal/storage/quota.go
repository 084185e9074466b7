package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/care/orion-recorder/internal/types"
)

// DefaultMaxPasses bounds the number of day evictions per Enforce call
const DefaultMaxPasses = 10

// Eviction describes one removed day directory
type Eviction = types.Eviction

// EnforceResult summarizes one Enforce call
type EnforceResult struct {
	Before  int64
	After   int64
	Evicted []string
	Passes  int
}

// QuotaManager keeps the bytes used under the storage root below a budget by
// evicting whole days, oldest first (by day key, not by file mtime).
//
// Enforce can be called directly; Run + Trigger execute it on a dedicated
// goroutine so eviction I/O never blocks the export loop.
type QuotaManager struct {
	root      string
	index     *Index
	budget    int64
	maxPasses int
	logger    *slog.Logger

	measure func(root string) (int64, error)
	onEvict func(Eviction)

	trigger   chan struct{}
	fatal     chan error
	runs      atomic.Uint64
	evictions atomic.Uint64
	usage     atomic.Int64
}

// NewQuotaManager creates a quota manager for root with the given budget in bytes
func NewQuotaManager(root string, index *Index, budget int64, logger *slog.Logger) *QuotaManager {
	return &QuotaManager{
		root:      root,
		index:     index,
		budget:    budget,
		maxPasses: DefaultMaxPasses,
		logger:    logger.With("component", "quota"),
		measure:   DirSize,
		trigger:   make(chan struct{}, 1),
		fatal:     make(chan error, 1),
	}
}

// OnEvict registers a callback invoked after every evicted day.
// Must be set before Run.
func (q *QuotaManager) OnEvict(fn func(Eviction)) {
	q.onEvict = fn
}

// Budget returns the configured budget in bytes
func (q *QuotaManager) Budget() int64 {
	return q.budget
}

// Enforce measures usage and, while it is at or above budget, evicts the oldest
// non-active day and measures again. Fails with fatal-storage if usage is still
// over budget after DefaultMaxPasses evictions or no evictable day remains.
// Under budget it changes nothing.
func (q *QuotaManager) Enforce(budget int64) (EnforceResult, error) {
	var res EnforceResult
	q.runs.Add(1)

	usage, err := q.measure(q.root)
	if err != nil {
		return res, types.NewError(types.KindFatalStorage, "measure", err)
	}
	res.Before = usage

	for usage >= budget {
		if res.Passes >= q.maxPasses {
			q.usage.Store(usage)
			return res, types.NewError(types.KindFatalStorage, "enforce",
				fmt.Errorf("usage %d bytes still over budget %d after %d evictions", usage, budget, res.Passes))
		}

		day, ok := q.index.OldestDay()
		if !ok {
			q.usage.Store(usage)
			return res, types.NewError(types.KindFatalStorage, "enforce",
				fmt.Errorf("usage %d bytes over budget %d and no evictable day left", usage, budget))
		}
		res.Passes++

		if err := os.RemoveAll(Layout{Root: q.root}.DayDir(day)); err != nil {
			return res, types.NewError(types.KindFatalStorage, "evict", fmt.Errorf("failed to remove day %s: %w", day, err))
		}
		files := q.index.RemoveDay(day)

		after, err := q.measure(q.root)
		if err != nil {
			return res, types.NewError(types.KindFatalStorage, "measure", err)
		}
		freed := usage - after
		usage = after
		res.Evicted = append(res.Evicted, day)
		q.evictions.Add(1)

		q.logger.Info("evicted oldest day",
			"day", day,
			"files", len(files),
			"freed_bytes", freed,
			"usage_bytes", usage,
			"budget_bytes", budget,
		)

		if q.onEvict != nil {
			q.onEvict(Eviction{Day: day, Files: files, Freed: freed, At: time.Now()})
		}
	}

	res.After = usage
	q.usage.Store(usage)
	return res, nil
}

// Trigger requests an asynchronous Enforce. Never blocks; requests made while
// one is pending coalesce.
func (q *QuotaManager) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Run executes triggered enforcements until ctx is cancelled. The first
// fatal-storage error is published on Fatal.
func (q *QuotaManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.trigger:
			res, err := q.Enforce(q.budget)
			if err != nil {
				q.logger.Error("storage quota enforcement failed",
					"error", err,
					"evicted", res.Evicted,
				)
				if types.IsFatal(err) {
					select {
					case q.fatal <- err:
					default:
					}
				}
				continue
			}
			q.logger.Debug("storage quota enforced",
				"usage_bytes", res.After,
				"budget_bytes", q.budget,
				"evicted", len(res.Evicted),
			)
		}
	}
}

// Fatal delivers the first fatal-storage error raised by Run
func (q *QuotaManager) Fatal() <-chan error {
	return q.fatal
}

// QuotaStats is a snapshot of quota counters
type QuotaStats struct {
	Runs       uint64 `json:"runs"`
	Evictions  uint64 `json:"evictions"`
	UsageBytes int64  `json:"usage_bytes"`
	Budget     int64  `json:"budget_bytes"`
}

// Stats returns the quota counters and the last measured usage
func (q *QuotaManager) Stats() QuotaStats {
	return QuotaStats{
		Runs:       q.runs.Load(),
		Evictions:  q.evictions.Load(),
		UsageBytes: q.usage.Load(),
		Budget:     q.budget,
	}
}
