package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// DB implements store.Store on a single SQLite file (modernc.org/sqlite, CGO-free).
// Use ":memory:" for an in-memory database.
type DB struct {
	db *sql.DB
}

// New opens path and creates the schema.
func New(ctx context.Context, path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: ":memory:" is per-connection, and the coordinator is the only writer anyway
	d.SetMaxOpenConns(1)
	_, _ = d.ExecContext(ctx, "PRAGMA busy_timeout=3000;")
	s := &DB{db: d}
	if err := s.ensureSchema(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS extension_state(
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`)
	return err
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	q := `SELECT key, value FROM extension_state WHERE key IN (?` + strings.Repeat(",?", len(keys)-1) + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *DB) Set(ctx context.Context, values map[string][]byte) error {
	return s.Update(ctx, values, nil)
}

func (s *DB) Remove(ctx context.Context, keys ...string) error {
	return s.Update(ctx, nil, keys)
}

func (s *DB) Update(ctx context.Context, set map[string][]byte, remove []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range remove {
		if _, err := tx.ExecContext(ctx, `DELETE FROM extension_state WHERE key = ?`, k); err != nil {
			return fmt.Errorf("sqlite delete %s: %w", k, err)
		}
	}
	for k, v := range set {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO extension_state(key, value, updated_at) VALUES(?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;`, k, v)
		if err != nil {
			return fmt.Errorf("sqlite upsert %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *DB) RemoveIf(ctx context.Context, key string, expected []byte) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var cur []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM extension_state WHERE key = ?`, key).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(cur, expected) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM extension_state WHERE key = ?`, key); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
