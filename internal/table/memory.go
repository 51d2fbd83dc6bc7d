package table

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
)

// Memory is an in-memory hash table parsed from JSON content of the form
//
//	{"10.0.0.1": {"owner": "ops", "rack": "r12"}, "10.0.0.2": "server1"}
//
// A scalar row is shorthand for a single column named "value". Rows are
// column→value cells; all cells are strings.
type Memory struct {
	name    string
	rows    map[string]map[string]string
	columns []string
}

// NewMemory builds a Memory table from JSON content.
func NewMemory(name string, content io.Reader, _ map[string]string) (Table, error) {
	if content == nil {
		return nil, ErrNoContent
	}

	var raw map[string]json.RawMessage
	dec := json.NewDecoder(content)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse table content: %w", err)
	}

	rows := make(map[string]map[string]string, len(raw))
	columns := make(map[string]struct{})
	for key, cell := range raw {
		var scalar string
		if err := json.Unmarshal(cell, &scalar); err == nil {
			rows[key] = map[string]string{"value": scalar}
			columns["value"] = struct{}{}
			continue
		}
		var cols map[string]string
		if err := json.Unmarshal(cell, &cols); err != nil {
			return nil, fmt.Errorf("row %q: %w", key, err)
		}
		rows[key] = cols
		for col := range cols {
			columns[col] = struct{}{}
		}
	}

	return &Memory{
		name:    name,
		rows:    rows,
		columns: slices.Sorted(maps.Keys(columns)),
	}, nil
}

// Lookup returns the row for key, or (nil, nil) on miss. Memory lookups
// cannot fail once the table is built.
func (m *Memory) Lookup(_ context.Context, key string) (map[string]string, error) {
	row, ok := m.rows[key]
	if !ok {
		return nil, nil
	}
	return row, nil
}

// Columns returns the union of row columns, sorted.
func (m *Memory) Columns() []string {
	return m.columns
}

func (m *Memory) Rows() int {
	return len(m.rows)
}
