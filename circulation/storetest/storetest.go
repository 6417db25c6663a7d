// Package storetest holds the behaviour every circulation.RecordStore must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/library-engine/circulation"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) circulation.RecordStore

// Run exercises store against the RecordStore contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyCollection", func(t *testing.T) { testEmptyCollection(t, newStore(t)) })
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, newStore(t)) })
	t.Run("FieldPatch", func(t *testing.T) { testFieldPatch(t, newStore(t)) })
	t.Run("MultiPathUpdate", func(t *testing.T) { testMultiPathUpdate(t, newStore(t)) })
	t.Run("UpdateAllOrNothing", func(t *testing.T) { testUpdateAllOrNothing(t, newStore(t)) })
	t.Run("NilDeletes", func(t *testing.T) { testNilDeletes(t, newStore(t)) })
	t.Run("PushOrdered", func(t *testing.T) { testPushOrdered(t, newStore(t)) })
	t.Run("ClaimOnce", func(t *testing.T) { testClaimOnce(t, newStore(t)) })
	t.Run("ClaimConcurrent", func(t *testing.T) { testClaimConcurrent(t, newStore(t)) })
	t.Run("InvalidPath", func(t *testing.T) { testInvalidPath(t, newStore(t)) })
}

func testEmptyCollection(t *testing.T, s circulation.RecordStore) {
	ctx := context.Background()

	tree, err := s.GetSubtree(ctx, circulation.CollectionFines)
	require.NoError(t, err)
	assert.Empty(t, tree)

	_, ok, err := s.Get(ctx, "fines/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testSetAndGet(t *testing.T, s circulation.RecordStore) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "books/b1", map[string]any{"title": "Dune", "copies": 2}))

	raw, ok, err := s.Get(ctx, "books/b1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"Dune","copies":2}`, string(raw))

	title, ok, err := s.Get(ctx, "books/b1/title")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"Dune"`, string(title))

	tree, err := s.GetSubtree(ctx, circulation.CollectionBooks)
	require.NoError(t, err)
	assert.Len(t, tree, 1)
	assert.Contains(t, tree, "b1")
}

func testFieldPatch(t *testing.T, s circulation.RecordStore) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "borrows/l1", map[string]any{"status": "borrowed", "returned": false}))
	require.NoError(t, s.Set(ctx, "borrows/l1/status", "overdue"))

	raw, _, err := s.Get(ctx, "borrows/l1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"overdue","returned":false}`, string(raw))
}

func testMultiPathUpdate(t *testing.T, s circulation.RecordStore) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "borrows/l1", map[string]any{"status": "borrowed"}))

	err := s.Update(ctx, map[string]any{
		"borrows/l1/status":      "overdue",
		"borrows/l1/daysOverdue": 3,
		"fines/f1":               map[string]any{"daysOverdue": 3},
	})
	require.NoError(t, err)

	raw, _, err := s.Get(ctx, "borrows/l1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"overdue","daysOverdue":3}`, string(raw))

	_, ok, err := s.Get(ctx, "fines/f1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func testUpdateAllOrNothing(t *testing.T, s circulation.RecordStore) {
	ctx := context.Background()

	// GIVEN: a record that is a scalar, so a field patch under it must fail
	require.NoError(t, s.Set(ctx, "fineKeys/k1", "f1"))
	require.NoError(t, s.Set(ctx, "borrows/l1", map[string]any{"status": "borrowed"}))

	// WHEN: one path of the update cannot be applied
	err := s.Update(ctx, map[string]any{
		"borrows/l1/status": "overdue",
		"fineKeys/k1/x":     true,
	})

	// THEN: nothing is written
	require.Error(t, err)
	raw, _, err := s.Get(ctx, "borrows/l1/status")
	require.NoError(t, err)
	assert.JSONEq(t, `"borrowed"`, string(raw))
}

func testNilDeletes(t *testing.T, s circulation.RecordStore) {
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "borrows/l1", map[string]any{"status": "borrowed", "condition": "good"}))
	require.NoError(t, s.Update(ctx, map[string]any{"borrows/l1/condition": nil}))

	raw, _, err := s.Get(ctx, "borrows/l1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"borrowed"}`, string(raw))

	require.NoError(t, s.Update(ctx, map[string]any{"borrows/l1": nil}))
	_, ok, err := s.Get(ctx, "borrows/l1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPushOrdered(t *testing.T, s circulation.RecordStore) {
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.Push(ctx, circulation.CollectionNotifications, map[string]any{"n": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i], "pushed keys must sort in push order")
	}

	tree, err := s.GetSubtree(ctx, circulation.CollectionNotifications)
	require.NoError(t, err)
	assert.Len(t, tree, 5)
}

func testClaimOnce(t *testing.T, s circulation.RecordStore) {
	ctx := context.Background()

	owner, won, err := s.Claim(ctx, "fineKeys/k1", "f1")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, "f1", owner)

	owner, won, err = s.Claim(ctx, "fineKeys/k1", "f2")
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "f1", owner)
}

func testClaimConcurrent(t *testing.T, s circulation.RecordStore) {
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	owners := make([]string, workers)
	wins := make([]bool, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owners[i], wins[i], errs[i] = s.Claim(ctx, "fineKeys/race", fmt.Sprintf("f%d", i))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if wins[i] {
			winners++
		}
		assert.Equal(t, owners[0], owners[i], "every caller must agree on the owner")
	}
	assert.Equal(t, 1, winners)

	raw, _, err := s.Get(ctx, "fineKeys/race")
	require.NoError(t, err)
	var stored string
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, owners[0], stored)
}

func testInvalidPath(t *testing.T, s circulation.RecordStore) {
	ctx := context.Background()

	err := s.Set(ctx, "books", map[string]any{})
	assert.ErrorIs(t, err, circulation.ErrInvalidPath)

	_, _, err = s.Get(ctx, "a/b/c/d")
	assert.ErrorIs(t, err, circulation.ErrInvalidPath)
}
