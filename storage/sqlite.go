package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360/loopcore/errors"
	"github.com/c360/loopcore/pkg/retry"
)

// defaultHistory matches the KV bucket history depth.
const defaultHistory = 5

var contentionRetry = retry.Config{
	MaxAttempts:  4,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	Multiplier:   2.0,
	AddJitter:    true,
}

// SQLiteStore keeps the last few snapshots per key in a local SQLite
// database (WAL mode).
type SQLiteStore struct {
	db      *sql.DB
	key     string
	history int
	logger  *slog.Logger
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path, key string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLiteStore", "OpenSQLite", "open database")
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		key:     key,
		history: defaultHistory,
		logger:  logger.With("component", "sqlite_store", "path", path),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "SQLiteStore", "OpenSQLite", "migrate schema")
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS snapshots (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		key      TEXT NOT NULL,
		data     BLOB NOT NULL,
		saved_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_key ON snapshots(key, id);
	`)
	return err
}

// Save appends snapshot and prunes all but the newest history rows.
func (s *SQLiteStore) Save(ctx context.Context, snapshot []byte) error {
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (key, data, saved_at) VALUES (?, ?, ?)`,
			s.key, snapshot, time.Now().UnixMilli(),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM snapshots WHERE key = ? AND id NOT IN (
				SELECT id FROM snapshots WHERE key = ? ORDER BY id DESC LIMIT ?
			)`,
			s.key, s.key, s.history,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "Save", fmt.Sprintf("insert %s", s.key))
	}
	s.logger.Debug("snapshot saved", "key", s.key, "bytes", len(snapshot))
	return nil
}

// Load returns the newest snapshot, or nil if none was saved.
func (s *SQLiteStore) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT data FROM snapshots WHERE key = ? ORDER BY id DESC LIMIT 1`, s.key,
		).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "SQLiteStore", "Load", fmt.Sprintf("select %s", s.key))
	}
	return data, nil
}

// History returns how many snapshots are kept for the key.
func (s *SQLiteStore) History(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE key = ?`, s.key).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// withRetry retries lock contention; every other error ends the loop.
func (s *SQLiteStore) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, contentionRetry, func() error {
		err := fn()
		if err != nil && !isContention(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
}

func isContention(err error) bool {
	msg := err.Error()
	for _, pattern := range []string{"SQLITE_BUSY", "SQLITE_LOCKED", "database is locked", "database table is locked"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
