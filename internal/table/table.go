// Package table provides the lookup table variants the registry serves.
// A Table maps a string key to column→value cells that the engine turns
// into enrichment pairs named <base>_<column>.
//
// Tables are immutable once built: a reload constructs fresh instances and
// the registry swaps whole snapshots, so implementations need no internal
// locking beyond what their underlying reader requires.
package table

import (
	"context"
	"errors"
	"io"
)

// ErrNoContent is returned by builders that require table content when the
// descriptor carried no location.
var ErrNoContent = errors.New("table content required")

// Table is one immutable lookup table.
// Implementations must be safe for concurrent use.
type Table interface {
	// Lookup returns the column→value cells for key. A miss returns
	// (nil, nil); misses are normal, not errors. A non-nil error means the
	// query itself failed and is surfaced to the caller as an exception.
	// The returned map may be shared with the table; callers must not
	// modify it.
	Lookup(ctx context.Context, key string) (map[string]string, error)

	// Columns returns the output columns this table can produce, in the
	// order they are emitted when a command does not narrow them.
	Columns() []string

	// Rows reports the table size for status reporting. Derived tables
	// that compute rather than store report zero.
	Rows() int
}

// Builder constructs a table variant from its raw content. The content
// reader is nil when the descriptor has no location; builders that need
// content return ErrNoContent. Builders must not retain the reader.
type Builder func(name string, content io.Reader, params map[string]string) (Table, error)

// Builders returns the default variant set, keyed by descriptor type.
func Builders() map[string]Builder {
	return map[string]Builder{
		"memory":    NewMemory,
		"geoip":     NewGeoIP,
		"useragent": NewUserAgent,
	}
}
