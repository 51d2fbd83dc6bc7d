// Package engine evaluates an event's lookup commands against one table-set
// snapshot.
//
// Evaluation is deterministic over a given snapshot: commands are processed
// in input order, pairs are concatenated in command order, never deduplicated
// or re-sorted. The engine holds no mutable state besides a compiled-path
// cache, logs nothing, and is safe for any number of concurrent callers.
package engine

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/theory/jsonpath"

	"garnish/internal/enrich"
	"garnish/internal/registry"
)

// Engine evaluates lookup commands. The zero value is not usable; use New.
type Engine struct {
	mu    sync.RWMutex
	paths map[string]pathEntry
}

// pathEntry caches one compiled key path, or the reason it will not compile.
type pathEntry struct {
	path *jsonpath.Path
	err  error
}

// New creates an Engine.
func New() *Engine {
	return &Engine{paths: make(map[string]pathEntry)}
}

// Evaluate runs evt's commands against ts, in order. The snapshot is fixed
// for the whole call: the caller fetches it once per event and never
// re-fetches mid-evaluation. ts must be non-nil.
//
// Per command:
//   - a table absent from ts is skipped silently (not configured here)
//   - a key that cannot be resolved from the event is skipped silently
//   - a command with neither key nor key_path is recorded as an exception
//   - a failing table query is recorded as an exception; later commands
//     still run
//
// Returned exceptions are only those produced by this evaluation; exceptions
// already on evt are the envelope's business.
func (e *Engine) Evaluate(ctx context.Context, evt enrich.Event, ts *registry.TableSet) ([]enrich.Pair, []enrich.Exception) {
	var pairs []enrich.Pair
	var exceptions []enrich.Exception

	// The payload is decoded at most once, and only if a command needs it.
	var decoded any
	var decodedErr error
	decodedOnce := false

	for _, cmd := range evt.Commands {
		tbl := ts.Resolve(cmd.Table)
		if tbl == nil {
			continue
		}

		key := cmd.Key
		if key == "" {
			if cmd.KeyPath == "" {
				exceptions = append(exceptions, enrich.Exception{
					Source:  cmd.Table,
					Message: "command has neither key nor key_path",
				})
				continue
			}

			if !decodedOnce {
				decodedOnce = true
				decodedErr = json.Unmarshal(evt.Payload, &decoded)
			}
			if decodedErr != nil {
				exceptions = append(exceptions, enrich.Exception{
					Source:  cmd.Table,
					Message: "event payload is not valid JSON: " + decodedErr.Error(),
				})
				continue
			}

			var err error
			key, err = e.resolveKey(cmd.KeyPath, decoded)
			if err != nil {
				exceptions = append(exceptions, enrich.Exception{
					Source:  cmd.Table,
					Message: "invalid key_path: " + err.Error(),
				})
				continue
			}
			if key == "" {
				continue
			}
		}

		cells, err := tbl.Lookup(ctx, key)
		if err != nil {
			exceptions = append(exceptions, enrich.Exception{
				Source:  cmd.Table,
				Message: err.Error(),
			})
			continue
		}
		if cells == nil {
			continue
		}

		base := cmd.Base()
		columns := cmd.Columns
		if len(columns) == 0 {
			columns = tbl.Columns()
		}
		for _, column := range columns {
			if value, ok := cells[column]; ok {
				pairs = append(pairs, enrich.Pair{Key: base + "_" + column, Value: value})
			}
		}
	}

	return pairs, exceptions
}

// resolveKey evaluates a key path against the decoded payload. A path that
// selects nothing, or selects a non-scalar, yields "" (a silent skip). A
// path that does not compile is an error.
func (e *Engine) resolveKey(path string, decoded any) (string, error) {
	entry := e.compiled(path)
	if entry.err != nil {
		return "", entry.err
	}
	nodes := entry.path.Select(decoded)
	if len(nodes) == 0 {
		return "", nil
	}
	switch v := nodes[0].(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", nil
	}
}

// compiled returns the cached compilation of path, compiling on first use.
// Failures are cached too: a bad path in a command stream would otherwise
// recompile on every event.
func (e *Engine) compiled(path string) pathEntry {
	e.mu.RLock()
	entry, ok := e.paths[path]
	e.mu.RUnlock()
	if ok {
		return entry
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Another goroutine may have compiled it while we waited.
	if entry, ok := e.paths[path]; ok {
		return entry
	}
	p, err := jsonpath.Parse(path)
	entry = pathEntry{path: p, err: err}
	e.paths[path] = entry
	return entry
}
