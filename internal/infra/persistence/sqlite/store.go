// Package sqlite provides an embedded snapshotting store: transactions run
// against the in-memory store and the full committed state is written to a
// single-table SQLite database after every successful commit.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"permitcore/internal/infra/persistence/memory"
	"permitcore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store persists the in-memory state to a single SQLite table as JSON blobs.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "permitcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	mem := memory.NewStore(engine)
	s := &Store{Store: mem, db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

const (
	bucketPermits   = "permits"
	bucketUsers     = "users"
	bucketAllocator = "allocator"
)

type allocatorBucket struct {
	LastSeq          int64 `json:"last_seq"`
	NextPermitNumber int64 `json:"next_permit_number"`
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		switch bucket {
		case bucketPermits:
			if err := json.Unmarshal(payload, &snapshot.Permits); err != nil {
				return fmt.Errorf("decode permits: %w", err)
			}
		case bucketUsers:
			if err := json.Unmarshal(payload, &snapshot.Users); err != nil {
				return fmt.Errorf("decode users: %w", err)
			}
		case bucketAllocator:
			var alloc allocatorBucket
			if err := json.Unmarshal(payload, &alloc); err != nil {
				return fmt.Errorf("decode allocator: %w", err)
			}
			snapshot.LastSeq = alloc.LastSeq
			snapshot.NextPermitNumber = alloc.NextPermitNumber
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

// RunInTransaction applies fn in memory, then snapshots to SQLite if successful.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(ctx); err != nil {
		return res, domain.CollaboratorError{Collaborator: "sqlite", Op: "persist", Err: err}
	}
	return res, nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()

	permits, err := json.Marshal(snapshot.Permits)
	if err != nil {
		return err
	}
	users, err := json.Marshal(snapshot.Users)
	if err != nil {
		return err
	}
	alloc, err := json.Marshal(allocatorBucket{LastSeq: snapshot.LastSeq, NextPermitNumber: snapshot.NextPermitNumber})
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for bucket, payload := range map[string][]byte{
		bucketPermits:   permits,
		bucketUsers:     users,
		bucketAllocator: alloc,
	} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, payload); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }
