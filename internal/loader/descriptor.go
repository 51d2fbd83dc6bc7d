package loader

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ErrEmptyDescriptor is returned when a payload yields no loadable tables:
// empty payload, an empty table list, or every entry filtered out.
var ErrEmptyDescriptor = errors.New("empty change descriptor")

// ErrDuplicateTable is returned when a descriptor lists the same table name
// twice. Duplicates are a load failure, never a silent overwrite.
var ErrDuplicateTable = errors.New("duplicate table name")

// Descriptor is one table entry of a change descriptor.
type Descriptor struct {
	// Name is the table's registry key, unique within a descriptor.
	Name string `json:"name"`

	// Location is where the table content lives (file://, s3://, gs://,
	// azblob://, or a bare path). Derived table types leave it empty.
	Location string `json:"location,omitempty"`

	// Type selects the table variant; empty means "memory".
	Type string `json:"type,omitempty"`

	// Params carries variant-specific options, opaque to the loader.
	Params map[string]string `json:"params,omitempty"`
}

// ChangeDescriptor lists the tables one reload installs. It is transient:
// parsed, consumed, discarded once per reload attempt.
type ChangeDescriptor struct {
	Tables []Descriptor `json:"tables"`
}

// ParseDescriptor parses a change-descriptor payload. Unknown JSON fields
// are ignored so newer control planes can add fields freely; an empty table
// list is an error, not "no tables".
func ParseDescriptor(payload string) (*ChangeDescriptor, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, ErrEmptyDescriptor
	}

	var cd ChangeDescriptor
	if err := json.Unmarshal([]byte(payload), &cd); err != nil {
		return nil, fmt.Errorf("parse change descriptor: %w", err)
	}
	if len(cd.Tables) == 0 {
		return nil, ErrEmptyDescriptor
	}

	seen := make(map[string]struct{}, len(cd.Tables))
	for _, desc := range cd.Tables {
		if desc.Name == "" {
			return nil, fmt.Errorf("parse change descriptor: table entry missing name")
		}
		if _, dup := seen[desc.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTable, desc.Name)
		}
		seen[desc.Name] = struct{}{}
	}
	return &cd, nil
}

// Checksum fingerprints a descriptor payload. The coordinator uses it to
// skip reloads whose payload is unchanged; the registry records it on each
// published set.
func Checksum(payload string) string {
	sum := blake2b.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
