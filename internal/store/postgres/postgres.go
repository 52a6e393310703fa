package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/example/slotwatch/internal/db"
	"github.com/example/slotwatch/internal/migrate"
)

// Store implements store.Store on the extension_state table.
type Store struct {
	d *db.DB
}

// New connects to dsn and applies pending migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	d, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &Store{d: d}, nil
}

func (s *Store) Close() error {
	s.d.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.d.Query(ctx, `SELECT key, value FROM extension_state WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, db.WrapNotFound(err)
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

func (s *Store) Set(ctx context.Context, values map[string][]byte) error {
	return s.Update(ctx, values, nil)
}

func (s *Store) Remove(ctx context.Context, keys ...string) error {
	return s.Update(ctx, nil, keys)
}

func (s *Store) Update(ctx context.Context, set map[string][]byte, remove []string) error {
	return s.d.InTx(ctx, func(tx pgx.Tx) error {
		if len(remove) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM extension_state WHERE key = ANY($1)`, remove); err != nil {
				return fmt.Errorf("postgres delete: %w", err)
			}
		}
		for k, v := range set {
			_, err := tx.Exec(ctx, `
				INSERT INTO extension_state(key, value, updated_at) VALUES ($1, $2, now())
				ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`, k, v)
			if err != nil {
				return fmt.Errorf("postgres upsert %s: %w", k, err)
			}
		}
		return nil
	})
}

func (s *Store) RemoveIf(ctx context.Context, key string, expected []byte) (bool, error) {
	var removed bool
	err := s.d.InTx(ctx, func(tx pgx.Tx) error {
		var cur []byte
		err := tx.QueryRow(ctx, `SELECT value FROM extension_state WHERE key = $1 FOR UPDATE`, key).Scan(&cur)
		if err := db.WrapNotFound(err); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil
			}
			return err
		}
		if !bytes.Equal(cur, expected) {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM extension_state WHERE key = $1`, key); err != nil {
			return err
		}
		removed = true
		return nil
	})
	return removed, err
}
