// Package observability provides run statistics tracking for population
// runs and long-lived worker monitoring.
package observability

import (
	"sort"
	"sync"
	"time"
)

// RunStats tracks per-table population outcomes across a worker's
// lifetime. All methods are O(1) and thread-safe.
type RunStats struct {
	mu     sync.RWMutex
	tables map[string]*TableStats
}

// TableStats holds accumulated outcomes for one target table.
type TableStats struct {
	Table           string
	Computed        int64
	SkippedReserved int64
	SkippedExisting int64
	Errored         int64
	ComputeTime     time.Duration
	LastActivity    time.Time
}

// NewRunStats creates a new run statistics tracker.
func NewRunStats() *RunStats {
	return &RunStats{tables: make(map[string]*TableStats)}
}

func (r *RunStats) forTable(table string) *TableStats {
	stats, exists := r.tables[table]
	if !exists {
		stats = &TableStats{Table: table}
		r.tables[table] = stats
	}
	stats.LastActivity = time.Now()
	return stats
}

// RecordComputed records one successfully computed and committed key.
func (r *RunStats) RecordComputed(table string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.forTable(table)
	stats.Computed++
	stats.ComputeTime += elapsed
}

// RecordSkippedReserved records a key skipped because another worker
// held its reservation.
func (r *RunStats) RecordSkippedReserved(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forTable(table).SkippedReserved++
}

// RecordSkippedExisting records a key skipped because its result
// appeared between scheduling and computation.
func (r *RunStats) RecordSkippedExisting(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forTable(table).SkippedExisting++
}

// RecordErrored records a key whose computation failed.
func (r *RunStats) RecordErrored(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forTable(table).Errored++
}

// Get returns a copy of the stats for one table, or a zero value if the
// table has no recorded activity.
func (r *RunStats) Get(table string) TableStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if stats, exists := r.tables[table]; exists {
		return *stats
	}
	return TableStats{Table: table}
}

// All returns copies of all table stats sorted by table name.
func (r *RunStats) All() []TableStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]TableStats, 0, len(r.tables))
	for _, stats := range r.tables {
		all = append(all, *stats)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Table < all[j].Table
	})
	return all
}

// Reset clears all accumulated statistics.
func (r *RunStats) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = make(map[string]*TableStats)
}
