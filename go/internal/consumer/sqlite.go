package consumer

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteOffsetStore persists committed offsets to SQLite so a restarted
// consumer resumes where it left off. Suitable for single-process use.
type SQLiteOffsetStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

var _ OffsetStore = (*SQLiteOffsetStore)(nil)

// NewSQLiteOffsetStore opens (or creates) the offset database. The path
// should be a file path (e.g., "./offsets.db") or ":memory:" for testing.
func NewSQLiteOffsetStore(path string) (*SQLiteOffsetStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS offsets (
			group_name   TEXT NOT NULL,
			partition_id INTEGER NOT NULL,
			next_seq     INTEGER NOT NULL,
			epoch        INTEGER NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (group_name, partition_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteOffsetStore{db: db}, nil
}

func (s *SQLiteOffsetStore) Committed(ctx context.Context, group string, partition int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("offset store is closed")
	}

	var next uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT next_seq FROM offsets
		WHERE group_name = ? AND partition_id = ?
	`, group, partition).Scan(&next)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load committed offset: %w", err)
	}
	return next, nil
}

func (s *SQLiteOffsetStore) Commit(ctx context.Context, group string, partition int, next uint64, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("offset store is closed")
	}

	// The conflict clause only applies when the incoming epoch is not
	// older than the stored one, which is what fences stale members.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO offsets (group_name, partition_id, next_seq, epoch, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_name, partition_id) DO UPDATE SET
			next_seq   = excluded.next_seq,
			epoch      = excluded.epoch,
			updated_at = excluded.updated_at
		WHERE excluded.epoch >= offsets.epoch
	`, group, partition, next, epoch, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("commit offset: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit offset result: %w", err)
	}
	if affected == 0 {
		return ErrStaleEpoch
	}
	return nil
}

// Close releases the underlying database.
func (s *SQLiteOffsetStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
