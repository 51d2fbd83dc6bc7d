// Package loader turns a change-descriptor payload into a complete table-set
// snapshot, or fails without side effects.
//
// Loading is all-or-nothing: every table named by the descriptor must build,
// or the whole load fails and no partial snapshot escapes. Table content
// handles are opened per table and closed before that table's construction
// returns, success or failure.
package loader

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"garnish/internal/logging"
	"garnish/internal/registry"
	"garnish/internal/source"
	"garnish/internal/table"
)

// TableError reports which table aborted a load.
type TableError struct {
	Name string
	Err  error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("table %q: %v", e.Name, e.Err)
}

func (e *TableError) Unwrap() error {
	return e.Err
}

// Config configures a Loader.
type Config struct {
	// Source resolves descriptor locations to content.
	Source source.Source

	// Builders maps descriptor types to table constructors
	// (table.Builders() for the default set).
	Builders map[string]table.Builder

	// Allow filters descriptor entries by table name using doublestar
	// globs. Empty means load everything. Instances sharing one
	// descriptor use this to each carry a slice of the table set.
	Allow []string

	// Concurrency bounds parallel table loads. Defaults to 4.
	Concurrency int

	Logger *slog.Logger

	// Now is the clock used to stamp snapshots. Defaults to time.Now.
	Now func() time.Time
}

// Loader loads table-set snapshots. Safe for concurrent use, though the
// coordinator serializes reloads as a policy.
type Loader struct {
	src         source.Source
	builders    map[string]table.Builder
	allow       []string
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Loader.
func New(cfg Config) *Loader {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Loader{
		src:         cfg.Source,
		builders:    cfg.Builders,
		allow:       cfg.Allow,
		concurrency: cmp.Or(cfg.Concurrency, 4),
		logger:      logging.Default(cfg.Logger).With("component", "loader"),
		now:         now,
	}
}

// Load parses payload and builds every table it names, returning a complete
// snapshot stamped with the payload checksum. Any single failure aborts the
// whole load.
func (l *Loader) Load(ctx context.Context, payload string) (*registry.TableSet, error) {
	cd, err := ParseDescriptor(payload)
	if err != nil {
		return nil, err
	}

	descs := make([]Descriptor, 0, len(cd.Tables))
	for _, desc := range cd.Tables {
		if !l.allowed(desc.Name) {
			l.logger.Debug("table filtered by allowlist", "table", desc.Name)
			continue
		}
		descs = append(descs, desc)
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("%w: no tables match allowlist", ErrEmptyDescriptor)
	}

	tables := make(map[string]table.Table, len(descs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for _, desc := range descs {
		g.Go(func() error {
			tbl, err := l.loadOne(gctx, desc)
			if err != nil {
				return &TableError{Name: desc.Name, Err: err}
			}
			mu.Lock()
			tables[desc.Name] = tbl
			mu.Unlock()
			l.logger.Debug("loaded table",
				"table", desc.Name,
				"type", cmp.Or(desc.Type, "memory"),
				"rows", tbl.Rows())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return registry.NewTableSet(tables, Checksum(payload), l.now()), nil
}

// loadOne opens the descriptor's content and builds its table. The content
// handle is released before returning, success or failure.
func (l *Loader) loadOne(ctx context.Context, desc Descriptor) (table.Table, error) {
	build, ok := l.builders[cmp.Or(desc.Type, "memory")]
	if !ok {
		return nil, fmt.Errorf("unknown table type %q", desc.Type)
	}

	var content io.ReadCloser
	if desc.Location != "" {
		var err error
		content, err = l.src.Open(ctx, desc.Location)
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", desc.Location, err)
		}
		defer func() { _ = content.Close() }()
	}

	return build(desc.Name, content, desc.Params)
}

func (l *Loader) allowed(name string) bool {
	if len(l.allow) == 0 {
		return true
	}
	for _, pattern := range l.allow {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}
