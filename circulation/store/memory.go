// Package store provides RecordStore implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/warp/library-engine/circulation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	tree map[string]map[string]json.RawMessage
}

var _ circulation.RecordStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{tree: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) GetSubtree(_ context.Context, collection string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]json.RawMessage, len(m.tree[collection]))
	for id, body := range m.tree[collection] {
		result[id] = append(json.RawMessage(nil), body...)
	}
	return result, nil
}

func (m *Memory) Get(_ context.Context, path string) (json.RawMessage, bool, error) {
	p, err := circulation.ParsePath(path)
	if err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	body, ok := m.tree[p.Collection][p.ID]
	if !ok {
		return nil, false, nil
	}
	if p.Field == "" {
		return append(json.RawMessage(nil), body...), true, nil
	}
	return circulation.FieldOf(body, p.Field)
}

func (m *Memory) Set(ctx context.Context, path string, value any) error {
	return m.Update(ctx, map[string]any{path: value})
}

// Update applies all patches or none. Patches are applied to a copy of the
// affected collections which replaces the originals only on success.
func (m *Memory) Update(_ context.Context, patches map[string]any) error {
	sorted, err := circulation.SortedPatches(patches)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[string]map[string]json.RawMessage)
	for _, p := range sorted {
		coll, ok := staged[p.Collection]
		if !ok {
			coll = make(map[string]json.RawMessage, len(m.tree[p.Collection]))
			for id, body := range m.tree[p.Collection] {
				coll[id] = body
			}
			staged[p.Collection] = coll
		}
		next, err := circulation.ApplyPath(coll[p.ID], p.Path, p.Value)
		if err != nil {
			return err
		}
		if next == nil {
			delete(coll, p.ID)
		} else {
			coll[p.ID] = next
		}
	}

	for name, coll := range staged {
		m.tree[name] = coll
	}
	return nil
}

func (m *Memory) Push(ctx context.Context, collection string, value any) (string, error) {
	id := circulation.NewKey()
	if err := m.Update(ctx, map[string]any{circulation.RecordPath(collection, id): value}); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) Claim(_ context.Context, path string, value string) (string, bool, error) {
	p, err := circulation.ParsePath(path)
	if err != nil {
		return "", false, err
	}
	if p.Field != "" {
		return "", false, fmt.Errorf("%w: claim needs a record path, got %q", circulation.ErrInvalidPath, path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if body, ok := m.tree[p.Collection][p.ID]; ok {
		var owner string
		if err := json.Unmarshal(body, &owner); err != nil {
			return "", false, err
		}
		return owner, false, nil
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return "", false, err
	}
	if m.tree[p.Collection] == nil {
		m.tree[p.Collection] = make(map[string]json.RawMessage)
	}
	m.tree[p.Collection][p.ID] = raw
	return value, true, nil
}
