package cursorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cursors (
	view_key    TEXT PRIMARY KEY,
	feed_cursor TEXT NOT NULL,
	updated_at  TEXT NOT NULL
)`

type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the cursor database at path.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) LoadCursor(ctx context.Context, key string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT feed_cursor FROM cursors WHERE view_key = ?`, key).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, err
}

func (s *SQLite) SaveCursor(ctx context.Context, key, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (view_key, feed_cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(view_key) DO UPDATE SET feed_cursor = excluded.feed_cursor, updated_at = excluded.updated_at`,
		key, cursor, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
