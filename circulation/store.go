/*
store.go - Record store interface

PURPOSE:
  The engine persists everything in a key-value tree addressed by paths:

    collection/id          a whole record (JSON object)
    collection/id/field    one field of a record

  This mirrors the hosted realtime database the library data lives in:
  read a whole collection, set a record, apply many paths atomically,
  append with a generated key.

KEY OPERATIONS:
  GetSubtree: every record of a collection, keyed by id
  Update:     multi-path write, all paths applied or none
  Push:       append with a generated, time-ordered key
  Claim:      single-key compare-and-set, used to serialize fine creation
              per natural key across concurrent passes

IMPLEMENTATIONS:
  - circulation/store/memory.go: In-memory (tests, dev)
  - store/sqlite/sqlite.go: SQLite
  - store/badger/badger.go: BadgerDB
*/
package circulation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// STORE - Record store interface
// =============================================================================

// RecordStore is the persistence boundary. All methods block on I/O.
type RecordStore interface {
	// GetSubtree returns every record under a collection. An absent
	// collection yields an empty map, not an error.
	GetSubtree(ctx context.Context, collection string) (map[string]json.RawMessage, error)

	// Get returns the record or field at path.
	Get(ctx context.Context, path string) (json.RawMessage, bool, error)

	// Set replaces the record or field at path.
	Set(ctx context.Context, path string, value any) error

	// Update applies every path atomically. A nil value deletes the path.
	Update(ctx context.Context, patches map[string]any) error

	// Push appends value under collection with a generated key.
	Push(ctx context.Context, collection string, value any) (string, error)

	// Claim sets path to value if it is absent. It returns the value now
	// stored at path and whether this call wrote it.
	Claim(ctx context.Context, path string, value string) (owner string, won bool, err error)
}

// Collections
const (
	CollectionBooks         = "books"
	CollectionStudents      = "students"
	CollectionBorrows       = "borrows"
	CollectionFines         = "fines"
	CollectionSettings      = "librarySettings"
	CollectionNotifications = "notifications"
	CollectionFineKeys      = "fineKeys"
)

// SettingsPath is where the librarySettings singleton lives.
const SettingsPath = CollectionSettings + "/default"

// =============================================================================
// PATH HELPERS - shared by store implementations
// =============================================================================

// Path is a parsed record path.
type Path struct {
	Collection string
	ID         string
	Field      string
}

func (p Path) Record() string { return p.Collection + "/" + p.ID }

// ParsePath splits collection/id[/field].
func ParsePath(raw string) (Path, error) {
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
	for _, p := range parts {
		if p == "" {
			return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
		}
	}
	p := Path{Collection: parts[0], ID: parts[1]}
	if len(parts) == 3 {
		p.Field = parts[2]
	}
	return p, nil
}

// RecordPath joins a collection and id.
func RecordPath(collection, id string) string { return collection + "/" + id }

// FieldPath joins a collection, id and field.
func FieldPath(collection, id, field string) string { return collection + "/" + id + "/" + field }

// NewKey returns a time-ordered key, so records pushed later sort later.
func NewKey() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Encode marshals a value for storage.
func Encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

// ApplyPath writes value at p into the current record body and returns the
// new body. A nil result means the record is deleted.
func ApplyPath(current json.RawMessage, p Path, value any) (json.RawMessage, error) {
	if p.Field == "" {
		if value == nil {
			return nil, nil
		}
		return Encode(value)
	}

	fields := map[string]json.RawMessage{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &fields); err != nil {
			return nil, fmt.Errorf("record %s is not an object: %w", p.Record(), err)
		}
	}
	if value == nil {
		delete(fields, p.Field)
	} else {
		raw, err := Encode(value)
		if err != nil {
			return nil, err
		}
		fields[p.Field] = raw
	}
	return json.Marshal(fields)
}

// FieldOf extracts one field of a record body.
func FieldOf(body json.RawMessage, field string) (json.RawMessage, bool, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, false, err
	}
	v, ok := fields[field]
	return v, ok, nil
}

// Patch is one parsed entry of a multi-path update.
type Patch struct {
	Path
	Value any
}

// SortedPatches parses every patch path and orders them so whole-record
// writes land before field writes on the same record.
func SortedPatches(patches map[string]any) ([]Patch, error) {
	out := make([]Patch, 0, len(patches))
	for raw, v := range patches {
		p, err := ParsePath(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Patch{Path: p, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Record() != out[j].Record() {
			return out[i].Record() < out[j].Record()
		}
		return out[i].Field < out[j].Field
	})
	return out, nil
}

// String rebuilds the raw path.
func (p Path) String() string {
	if p.Field == "" {
		return p.Record()
	}
	return p.Record() + "/" + p.Field
}
