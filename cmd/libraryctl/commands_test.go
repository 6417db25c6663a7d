package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/library-engine/circulation"
)

// run executes libraryctl against a SQLite file so state survives between
// invocations the way it does on a real install.
func run(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"--store", "sqlite", "--db", db}, args...)
	err := runWith(context.Background(), &out, full...)
	return out.String(), err
}

func runWith(ctx context.Context, out io.Writer, args ...string) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(io.Discard)
	return root.ExecuteContext(ctx)
}

func newDB(t *testing.T) string {
	return filepath.Join(t.TempDir(), "library.db")
}

func TestReconcileThenListFines(t *testing.T) {
	db := newDB(t)

	// GIVEN a loan returned 60 hours late
	out, err := run(t, db, "scenario", "load", "returned-late")
	require.NoError(t, err)
	assert.Contains(t, out, "loaded returned-late")

	// WHEN a pass runs
	out, err = run(t, db, "reconcile")
	require.NoError(t, err)

	// THEN one fine is created for three days
	assert.Contains(t, out, "fines created:    1")

	out, err = run(t, db, "fines", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Dune")
	assert.Contains(t, out, "15.00")
}

func TestReconcileJSONIsIdempotent(t *testing.T) {
	db := newDB(t)
	_, err := run(t, db, "scenario", "load", "returned-late")
	require.NoError(t, err)

	var first, second struct {
		Run    struct{ Status string }
		Result circulation.Result
	}

	// WHEN the pass runs twice
	out, err := run(t, db, "reconcile", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &first))

	out, err = run(t, db, "reconcile", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &second))

	// THEN only the first creates a fine
	assert.Len(t, first.Result.FinesCreated, 1)
	assert.Empty(t, second.Result.FinesCreated)
	assert.Zero(t, second.Result.FinesUpdated)
}

func TestFinesListUnpaidAndStudentFilters(t *testing.T) {
	db := newDB(t)
	_, err := run(t, db, "scenario", "load", "busy-term")
	require.NoError(t, err)

	// GIVEN busy-term carries one paid fine with a receipt
	out, err := run(t, db, "fines", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "yes ")

	// WHEN only unpaid fines are asked for
	out, err = run(t, db, "fines", "list", "--unpaid")
	require.NoError(t, err)

	// THEN the paid one is hidden
	assert.NotContains(t, out, "yes ")

	out, err = run(t, db, "fines", "list", "--student", "nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "0.00")
}

func TestSettingsSetAndShow(t *testing.T) {
	db := newDB(t)

	// GIVEN no settings record, defaults apply
	out, err := run(t, db, "settings", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "14 days")
	assert.Contains(t, out, "5.00")

	// WHEN the fine rate changes
	_, err = run(t, db, "settings", "set", "--fine-per-day", "2.50")
	require.NoError(t, err)

	// THEN it persists and the rest is untouched
	out, err = run(t, db, "settings", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "2.50")
	assert.Contains(t, out, "14 days")
}

func TestSettingsSetRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"negative fine", []string{"--fine-per-day=-1"}},
		{"not a number", []string{"--fine-per-day", "five"}},
		{"zero days", []string{"--borrow-days", "0"}},
		{"zero books", []string{"--max-books", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, newDB(t), append([]string{"settings", "set"}, tt.args...)...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, circulation.ErrInvalidSettings))
		})
	}
}

func TestNotifyStudent(t *testing.T) {
	db := newDB(t)
	_, err := run(t, db, "scenario", "load", "returned-late")
	require.NoError(t, err)
	_, err = run(t, db, "reconcile")
	require.NoError(t, err)

	// WHEN the student with the fine is notified over the in-app channel
	out, err := run(t, db, "notify", "s1")

	// THEN one notice goes out
	require.NoError(t, err)
	assert.Contains(t, out, "sent 1, failed 0, skipped 0")
}

func TestNotifyArgs(t *testing.T) {
	_, err := run(t, newDB(t), "notify")
	assert.Error(t, err)

	_, err = run(t, newDB(t), "notify", "s1", "--all")
	assert.Error(t, err)
}

func TestUnknownScenario(t *testing.T) {
	_, err := run(t, newDB(t), "scenario", "load", "no-such-thing")
	assert.Error(t, err)
}
