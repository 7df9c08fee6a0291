// Package cache keeps the records of a previous run on disk so an unchanged
// mailbox can be reported without fetching it again.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joshsymonds/inboxstat/internal/record"
)

// SQLite stores one snapshot of records per account, tagged with the
// mailbox state it was taken at.
type SQLite struct {
	db *sqlx.DB
}

// DefaultPath returns the cache file under the user's cache directory.
func DefaultPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locate cache dir: %w", err)
	}
	return filepath.Join(dir, "inboxstat", "cache.db"), nil
}

// Open opens or creates the database at path and applies pending migrations.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	return s, nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	current := 0
	var tables int
	err := s.db.Get(&tables,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("check schema_version: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Load returns the cached records of account when they were saved at state.
// A snapshot taken at any other state is deleted and reported as a miss.
func (s *SQLite) Load(ctx context.Context, account, state string) ([]record.MessageRecord, bool, error) {
	var saved string
	err := s.db.GetContext(ctx, &saved, "SELECT state FROM snapshots WHERE account = ?", account)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot state: %w", err)
	}
	if saved != state {
		if err := s.Invalidate(ctx, account); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	var rows []string
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT data FROM records WHERE account = ? ORDER BY seq", account); err != nil {
		return nil, false, fmt.Errorf("read cached records: %w", err)
	}
	records := make([]record.MessageRecord, 0, len(rows))
	for _, data := range rows {
		var r record.MessageRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, false, fmt.Errorf("decode cached record: %w", err)
		}
		records = append(records, r)
	}
	return records, true, nil
}

// Save replaces the snapshot of account with records taken at state.
func (s *SQLite) Save(ctx context.Context, account, state string, records []record.MessageRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteAccount(ctx, tx, account); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO snapshots (account, state, run_id) VALUES (?, ?, ?)",
		account, state, uuid.NewString()); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	stmt, err := tx.PreparexContext(ctx,
		"INSERT INTO records (account, seq, id, data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare record insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()
	for i, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, account, i, string(r.ID), string(data)); err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Invalidate drops everything cached for account.
func (s *SQLite) Invalidate(ctx context.Context, account string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := deleteAccount(ctx, tx, account); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit invalidation: %w", err)
	}
	return nil
}

func deleteAccount(ctx context.Context, tx *sqlx.Tx, account string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE account = ?", account); err != nil {
		return fmt.Errorf("delete cached records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots WHERE account = ?", account); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
