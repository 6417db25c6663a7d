/*
Package sqlite provides a SQLite-backed implementation of circulation.RecordStore.

PURPOSE:
  Persists the record tree in one table keyed by (collection, id). Record
  bodies are JSON objects; field paths are merged into the body inside the
  same SQL transaction, so a multi-path Update is all-or-nothing.

KEY TABLES:
  records: (collection, id) -> body JSON

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within a process. Claim uses
  INSERT OR IGNORE followed by a re-SELECT, so two processes sharing the
  file agree on a single owner.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/library.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  reconciler := circulation.NewReconciler(store, logger)

SEE ALSO:
  - circulation/store.go: Interface definition
  - circulation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/library-engine/circulation"
)

// Store implements circulation.RecordStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ circulation.RecordStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_collection
		ON records(collection);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// READS
// =============================================================================

// GetSubtree returns every record of a collection.
func (s *Store) GetSubtree(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, body FROM records WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	result := make(map[string]json.RawMessage)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		result[id] = json.RawMessage(body)
	}
	return result, rows.Err()
}

// Get returns the record or field at path.
func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	p, err := circulation.ParsePath(path)
	if err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	body, ok, err := getBody(ctx, s.db, p)
	if err != nil || !ok {
		return nil, false, err
	}
	if p.Field == "" {
		return body, true, nil
	}
	return circulation.FieldOf(body, p.Field)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getBody(ctx context.Context, db queryer, p circulation.Path) (json.RawMessage, bool, error) {
	var body string
	err := db.QueryRowContext(ctx,
		"SELECT body FROM records WHERE collection = ? AND id = ?", p.Collection, p.ID,
	).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", p.Record(), err)
	}
	return json.RawMessage(body), true, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Set replaces the record or field at path.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

// Update applies every patch inside one SQL transaction.
func (s *Store) Update(ctx context.Context, patches map[string]any) error {
	sorted, err := circulation.SortedPatches(patches)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, p := range sorted {
		current, _, err := getBody(ctx, sqlTx, p.Path)
		if err != nil {
			return err
		}
		next, err := circulation.ApplyPath(current, p.Path, p.Value)
		if err != nil {
			return err
		}
		if err := putBody(ctx, sqlTx, p.Path, next); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func putBody(ctx context.Context, db execer, p circulation.Path, body json.RawMessage) error {
	if body == nil {
		_, err := db.ExecContext(ctx,
			"DELETE FROM records WHERE collection = ? AND id = ?", p.Collection, p.ID)
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", p.Record(), err)
		}
		return nil
	}

	query := `
		INSERT INTO records (collection, id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query, p.Collection, p.ID, string(body),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", p.Record(), err)
	}
	return nil
}

// Push appends value with a generated key.
func (s *Store) Push(ctx context.Context, collection string, value any) (string, error) {
	id := circulation.NewKey()
	if err := s.Update(ctx, map[string]any{circulation.RecordPath(collection, id): value}); err != nil {
		return "", err
	}
	return id, nil
}

// Claim writes value at path unless something is already there.
// INSERT OR IGNORE + re-SELECT avoids a check-then-act race.
func (s *Store) Claim(ctx context.Context, path string, value string) (string, bool, error) {
	p, err := circulation.ParsePath(path)
	if err != nil {
		return "", false, err
	}
	if p.Field != "" {
		return "", false, fmt.Errorf("%w: claim needs a record path, got %q", circulation.ErrInvalidPath, path)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (collection, id, body, updated_at) VALUES (?, ?, ?, ?)`,
		p.Collection, p.ID, string(raw), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", false, fmt.Errorf("failed to claim %s: %w", path, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return value, true, nil
	}

	body, _, err := getBody(ctx, s.db, p)
	if err != nil {
		return "", false, err
	}
	var owner string
	if err := json.Unmarshal(body, &owner); err != nil {
		return "", false, fmt.Errorf("claim %s holds %s: %w", path, strings.TrimSpace(string(body)), err)
	}
	return owner, false, nil
}

// Reset clears all records. Used by the dev reset endpoint and tests.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM records")
	return err
}
