// Package source fetches raw table content from its location. A location is
// a URL whose scheme selects the backend (file://, s3://, gs://, azblob://);
// a bare filesystem path means file.
//
// Handles returned by Open are scoped to loading one table: the loader closes
// them before the table's construction returns, success or failure. Content
// whose location ends in a known compressed extension (.gz, .zst, .br) is
// decompressed transparently.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnsupportedScheme is returned when no backend is registered for a
// location's scheme.
var ErrUnsupportedScheme = errors.New("unsupported location scheme")

// Source opens the raw content at a location. Callers own the returned
// handle and must close it.
type Source interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// Mux routes locations to backends by scheme and decompresses content by
// extension. Register all backends before use; Mux is read-only afterwards.
type Mux struct {
	backends map[string]Source
}

// NewMux returns a Mux with no backends registered.
func NewMux() *Mux {
	return &Mux{backends: make(map[string]Source)}
}

// Register adds a backend for a scheme ("file", "s3", "gs", "azblob").
func (m *Mux) Register(scheme string, s Source) {
	m.backends[scheme] = s
}

// Schemes returns the registered schemes, for status reporting.
func (m *Mux) Schemes() []string {
	out := make([]string, 0, len(m.backends))
	for scheme := range m.backends {
		out = append(out, scheme)
	}
	return out
}

// Open routes location to its backend and wraps the content in a
// decompressing reader when the extension calls for one.
func (m *Mux) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	scheme := "file"
	if s, _, ok := strings.Cut(location, "://"); ok {
		scheme = s
	}
	backend, ok := m.backends[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	rc, err := backend.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	return decompress(location, rc)
}

// splitBucketKey parses "<prefix>bucket/key/parts" into bucket and key.
func splitBucketKey(location, prefix string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(location, prefix)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed location %q: want %sbucket/key", location, prefix)
	}
	return bucket, key, nil
}
