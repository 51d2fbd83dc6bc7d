// Package registry holds the currently visible table-set snapshot.
//
// Concurrency model:
//   - Arbitrarily many readers call Current; it is a single atomic pointer
//     load and never blocks
//   - One logical writer at a time calls Replace; the publish is a single
//     atomic pointer swap, never a lock around reads
//   - A reader that obtained a snapshot keeps it for the duration of its
//     work; publishing a new set never invalidates a held one
//
// A TableSet is immutable once constructed. Reloads build a complete new
// set and swap it in whole, so readers can never observe a mix of tables
// from two generations.
package registry

import (
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"garnish/internal/table"
)

// TableSet is one immutable generation of named lookup tables.
type TableSet struct {
	tables   map[string]table.Table
	checksum string
	loadedAt time.Time
}

// NewTableSet builds a TableSet from the given tables. The map is cloned,
// so the caller may reuse its argument. Checksum identifies the descriptor
// payload the set was loaded from.
func NewTableSet(tables map[string]table.Table, checksum string, loadedAt time.Time) *TableSet {
	return &TableSet{
		tables:   maps.Clone(tables),
		checksum: checksum,
		loadedAt: loadedAt,
	}
}

// Resolve returns the table for the given name, or nil if not found.
// Resolving against a nil set finds nothing.
func (ts *TableSet) Resolve(name string) table.Table {
	if ts == nil {
		return nil
	}
	return ts.tables[name]
}

// Names returns the table names in the set, sorted.
func (ts *TableSet) Names() []string {
	return slices.Sorted(maps.Keys(ts.tables))
}

// Len returns the number of tables in the set.
func (ts *TableSet) Len() int {
	return len(ts.tables)
}

// Checksum returns the checksum of the descriptor payload this set was
// loaded from.
func (ts *TableSet) Checksum() string {
	return ts.checksum
}

// LoadedAt returns when this set was loaded.
func (ts *TableSet) LoadedAt() time.Time {
	return ts.loadedAt
}

// Registry publishes table-set snapshots to lookup workers.
type Registry struct {
	current    atomic.Pointer[TableSet]
	generation atomic.Uint64
}

// New returns an empty registry. Current returns nil until the first
// Replace; callers gate readiness on Initialized.
func New() *Registry {
	return &Registry{}
}

// Current returns the currently published snapshot, nil before the first
// Replace. Lock-free; safe from any goroutine.
func (r *Registry) Current() *TableSet {
	return r.current.Load()
}

// Replace atomically publishes ts as the current snapshot. Calls to Current
// that start after Replace returns observe ts or a later set, never an
// older one. ts must be non-nil.
func (r *Registry) Replace(ts *TableSet) {
	r.current.Store(ts)
	r.generation.Add(1)
}

// Initialized reports whether a snapshot has ever been published.
func (r *Registry) Initialized() bool {
	return r.current.Load() != nil
}

// Generation returns the number of snapshots published so far.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}
