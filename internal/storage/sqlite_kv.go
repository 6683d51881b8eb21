package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteKV stores entries of one namespace in the kv_entries table.
type SQLiteKV struct {
	db        *sql.DB
	namespace string
	ownsDB    bool
}

// NewSQLiteKV wraps an already bootstrapped database. Close leaves db open.
func NewSQLiteKV(db *sql.DB, namespace string) *SQLiteKV {
	return &SQLiteKV{db: db, namespace: namespace}
}

func (s *SQLiteKV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_entries WHERE namespace = ? AND key = ?;", s.namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read kv entry %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteKV) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_entries(namespace, key, value, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(namespace, key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at;
`, s.namespace, key, value, now())
	if err != nil {
		return fmt.Errorf("upsert kv entry %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteKV) PutNew(ctx context.Context, key, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO kv_entries(namespace, key, value, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(namespace, key) DO NOTHING;
`, s.namespace, key, value, now())
	if err != nil {
		return false, fmt.Errorf("insert kv entry %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert kv entry %q: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteKV) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kv_entries WHERE namespace = ? AND key = ?;", s.namespace, key)
	if err != nil {
		return false, fmt.Errorf("delete kv entry %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete kv entry %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLiteKV) Scan(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM kv_entries WHERE namespace = ? ORDER BY key ASC;", s.namespace)
	if err != nil {
		return nil, fmt.Errorf("scan kv entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan kv entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan kv entries: %w", err)
	}
	return out, nil
}

func (s *SQLiteKV) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM kv_entries WHERE namespace = ?;", s.namespace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count kv entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteKV) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
