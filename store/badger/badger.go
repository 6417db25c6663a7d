// Package badger provides a BadgerDB-backed implementation of
// circulation.RecordStore.
//
// Each record is one key, "collection/id", holding the record's JSON body.
// Collections are read with a prefix scan. Multi-path updates run in a
// single read-write transaction and are retried on write conflicts, so
// concurrent Update and Claim calls serialize without a process lock.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/warp/library-engine/circulation"
)

// maxConflictRetries bounds how often a transaction is replayed after
// badger.ErrConflict.
const maxConflictRetries = 5

// Config holds configuration for a BadgerDB instance.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables it.
	GCInterval time.Duration
}

// DefaultConfig returns production defaults for the given directory.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store implements circulation.RecordStore on BadgerDB.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

var _ circulation.RecordStore = (*Store)(nil)

// Open opens a BadgerDB store. Callers must Close it.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetSubtree(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(collection + "/")
	result := make(map[string]json.RawMessage)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefix):])
			body, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[id] = body
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	return result, nil
}

func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, bool, error) {
	p, err := circulation.ParsePath(path)
	if err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var body json.RawMessage
	err = s.db.View(func(txn *badger.Txn) error {
		var err error
		body, err = readBody(txn, p)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", path, err)
	}
	if body == nil {
		return nil, false, nil
	}
	if p.Field == "" {
		return body, true, nil
	}
	return circulation.FieldOf(body, p.Field)
}

// readBody returns nil for an absent record.
func readBody(txn *badger.Txn, p circulation.Path) (json.RawMessage, error) {
	item, err := txn.Get([]byte(p.Record()))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// =============================================================================
// WRITES
// =============================================================================

func (s *Store) Set(ctx context.Context, path string, value any) error {
	return s.Update(ctx, map[string]any{path: value})
}

// Update applies every patch inside one transaction.
func (s *Store) Update(ctx context.Context, patches map[string]any) error {
	sorted, err := circulation.SortedPatches(patches)
	if err != nil {
		return err
	}

	return s.withRetry(ctx, func(txn *badger.Txn) error {
		// later patches on the same record must see earlier ones
		bodies := map[string]json.RawMessage{}
		for _, p := range sorted {
			current, seen := bodies[p.Record()]
			if !seen {
				var err error
				if current, err = readBody(txn, p.Path); err != nil {
					return err
				}
			}
			next, err := circulation.ApplyPath(current, p.Path, p.Value)
			if err != nil {
				return err
			}
			bodies[p.Record()] = next
		}
		for key, body := range bodies {
			var err error
			if body == nil {
				err = txn.Delete([]byte(key))
			} else {
				err = txn.Set([]byte(key), body)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Push(ctx context.Context, collection string, value any) (string, error) {
	id := circulation.NewKey()
	if err := s.Update(ctx, map[string]any{circulation.RecordPath(collection, id): value}); err != nil {
		return "", err
	}
	return id, nil
}

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

	var owner string
	var won bool
	err = s.withRetry(ctx, func(txn *badger.Txn) error {
		body, err := readBody(txn, p)
		if err != nil {
			return err
		}
		if body != nil {
			won = false
			return json.Unmarshal(body, &owner)
		}
		owner, won = value, true
		return txn.Set([]byte(p.Record()), raw)
	})
	if err != nil {
		return "", false, fmt.Errorf("claim %s: %w", path, err)
	}
	return owner, won, nil
}

// withRetry runs fn in a read-write transaction, replaying it when another
// transaction committed a conflicting write first.
func (s *Store) withRetry(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("badger transaction conflict, retrying", "attempt", attempt+1)
	}
	return err
}
