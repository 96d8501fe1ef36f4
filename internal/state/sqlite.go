package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"

	// counterTotalUploaded names the upload counter row.
	counterTotalUploaded = "total_uploaded"
)

// SQLiteStore implements Store on a local SQLite database. Writes go
// through a process-wide mutex and one transaction per mutation.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the SQLite database at dsn and
// initializes the schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}
	// A single connection keeps every transaction on the same WAL writer.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pending (
			path     TEXT PRIMARY KEY,
			added_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS uploaded (
			path        TEXT PRIMARY KEY,
			archive_id  TEXT NOT NULL,
			checksum    TEXT NOT NULL,
			uploaded_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS counters (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	now := time.Now().UTC().Format(timeFormat)
	if _, err := s.db.Exec("INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)", now); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	if _, err := s.db.Exec("INSERT OR IGNORE INTO counters (name, value) VALUES (?, 0)", counterTotalUploaded); err != nil {
		return fmt.Errorf("seeding counters: %w", err)
	}
	return nil
}

// withTx runs fn inside a write transaction under the store mutex.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// LoadPending merges discovered paths into the pending set.
func (s *SQLiteStore) LoadPending(ctx context.Context, discovered []string) (LoadResult, error) {
	paths := dedupe(discovered)
	res := LoadResult{Discovered: len(paths)}
	now := time.Now().UTC().Format(timeFormat)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range paths {
			var one int
			err := tx.QueryRowContext(ctx, "SELECT 1 FROM uploaded WHERE path = ?", p).Scan(&one)
			if err == nil {
				res.AlreadyUploaded++
				continue
			}
			if err != sql.ErrNoRows {
				return fmt.Errorf("checking uploaded %q: %w", p, err)
			}

			r, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO pending (path, added_at) VALUES (?, ?)", p, now)
			if err != nil {
				return fmt.Errorf("inserting pending %q: %w", p, err)
			}
			if n, _ := r.RowsAffected(); n == 1 {
				res.Added++
			} else {
				res.Duplicates++
			}
		}
		return tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending").Scan(&res.Pending)
	})
	if err != nil {
		return LoadResult{}, fmt.Errorf("loading pending paths: %w", err)
	}
	return res, nil
}

// IsUploaded reports whether path has an upload record.
func (s *SQLiteStore) IsUploaded(ctx context.Context, path string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM uploaded WHERE path = ?", path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking uploaded %q: %w", path, err)
	}
	return true, nil
}

// RecordUploaded inserts the record, clears the pending entry and bumps the
// counter in one transaction.
func (s *SQLiteStore) RecordUploaded(ctx context.Context, rec Record) error {
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO uploaded (path, archive_id, checksum, uploaded_at) VALUES (?, ?, ?, ?)",
			rec.FilePath, rec.ArchiveID, rec.Checksum, rec.UploadedAt.UTC().Format(timeFormat))
		if err != nil {
			return fmt.Errorf("recording upload of %q: %w", rec.FilePath, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending WHERE path = ?", rec.FilePath); err != nil {
			return fmt.Errorf("removing pending %q: %w", rec.FilePath, err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, "UPDATE counters SET value = value + 1 WHERE name = ?", counterTotalUploaded); err != nil {
			return fmt.Errorf("incrementing upload counter: %w", err)
		}
		return nil
	})
}

// RemovePending deletes path from the pending set.
func (s *SQLiteStore) RemovePending(ctx context.Context, path string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending WHERE path = ?", path); err != nil {
			return fmt.Errorf("removing pending %q: %w", path, err)
		}
		return nil
	})
}

// SnapshotPending returns the pending paths in lexical order.
func (s *SQLiteStore) SnapshotPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path FROM pending ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("listing pending: %w", err)
	}
	defer rows.Close()

	paths := []string{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning pending: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// TotalUploaded returns the upload counter.
func (s *SQLiteStore) TotalUploaded(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT value FROM counters WHERE name = ?", counterTotalUploaded).Scan(&n); err != nil {
		return 0, fmt.Errorf("reading upload counter: %w", err)
	}
	return n, nil
}

// Uploaded returns every upload record ordered by path.
func (s *SQLiteStore) Uploaded(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path, archive_id, checksum, uploaded_at FROM uploaded ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("listing uploaded: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var r Record
		var at string
		if err := rows.Scan(&r.FilePath, &r.ArchiveID, &r.Checksum, &at); err != nil {
			return nil, fmt.Errorf("scanning uploaded: %w", err)
		}
		r.UploadedAt, _ = time.Parse(timeFormat, at)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// SetTotalUploaded overwrites the upload counter. It is used when importing
// state written by another tool.
func (s *SQLiteStore) SetTotalUploaded(ctx context.Context, n int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE counters SET value = ? WHERE name = ?", n, counterTotalUploaded)
		return err
	})
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements Store at compile time.
var _ Store = (*SQLiteStore)(nil)
