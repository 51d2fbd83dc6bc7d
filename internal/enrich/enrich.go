// Package enrich defines the data model shared by the lookup engine, the
// stream pipeline, and the ops API: events, the commands that describe which
// table lookups an event gets, and the pairs and exceptions those lookups
// produce.
//
// Types here are plain data. Evaluation lives in the engine package; wire
// encoding lives in the pipeline codecs.
package enrich

import (
	"cmp"
	"encoding/json"
)

// Command describes one lookup against one named table. Commands arrive
// attached to the event; deciding which commands an event gets is upstream
// business.
//
// Exactly one of Key and KeyPath should be set. Key is a literal lookup key.
// KeyPath is an RFC 9535 JSONPath evaluated against the event payload, for
// callers that ship the raw event rather than pre-extracted keys.
type Command struct {
	// Table names the lookup table. A table absent from the current table
	// set is skipped silently: commands routinely outrun table deployment.
	Table string `json:"table" msgpack:"table"`

	// Key is the literal lookup key.
	Key string `json:"key,omitempty" msgpack:"key,omitempty"`

	// KeyPath locates the lookup key inside the event payload.
	KeyPath string `json:"key_path,omitempty" msgpack:"key_path,omitempty"`

	// Field names the event field the key was taken from. It prefixes
	// produced pair keys as <field>_<column>.
	Field string `json:"field,omitempty" msgpack:"field,omitempty"`

	// Columns restricts which table columns are returned, in the order
	// given. Empty means all columns in the table's own order.
	Columns []string `json:"columns,omitempty" msgpack:"columns,omitempty"`

	// Prefix overrides Field as the pair key prefix.
	Prefix string `json:"prefix,omitempty" msgpack:"prefix,omitempty"`
}

// Base returns the prefix under which this command's pairs are emitted:
// Prefix if set, else Field, else the table name.
func (c Command) Base() string {
	return cmp.Or(c.Prefix, c.Field, c.Table)
}

// Pair is one produced enrichment datum. Key carries the full output name
// (<base>_<column>); Value is the table cell.
type Pair struct {
	Key   string `json:"key" msgpack:"key"`
	Value string `json:"value" msgpack:"value"`
}

// Exception records a non-fatal failure while evaluating one command. The
// event still flows; exceptions travel alongside it so downstream consumers
// can see what was attempted.
type Exception struct {
	// Source names what failed, normally the table.
	Source  string `json:"source" msgpack:"source"`
	Message string `json:"message" msgpack:"message"`
}

// Event is the unit of work flowing through the pipeline: the raw payload,
// the lookup commands attached to it, and any exceptions accumulated so far.
// An Event is owned by a single goroutine for one processing cycle.
type Event struct {
	Payload    json.RawMessage `json:"event" msgpack:"event"`
	Commands   []Command       `json:"commands,omitempty" msgpack:"commands,omitempty"`
	Exceptions []Exception     `json:"exceptions,omitempty" msgpack:"exceptions,omitempty"`
}

// Result is the output envelope: the original payload plus everything
// evaluation produced.
type Result struct {
	Payload     json.RawMessage `json:"event" msgpack:"event"`
	Enrichments []Pair          `json:"enrichments" msgpack:"enrichments"`
	Exceptions  []Exception     `json:"exceptions,omitempty" msgpack:"exceptions,omitempty"`
}
