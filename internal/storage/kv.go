package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"edubot/internal/kv"
)

// KV persists named values in the kv_entries table.
type KV struct {
	db     *sql.DB
	driver string
}

// NewKV wraps a migrated database.
func NewKV(db *sql.DB, driver string) *KV {
	return &KV{db: db, driver: strings.ToLower(driver)}
}

func (s *KV) Get(ctx context.Context, key string) (string, error) {
	var (
		value   string
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv_entries WHERE name = ?`, key,
	).Scan(&value, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", kv.ErrNotFound
		}
		return "", fmt.Errorf("lookup %s: %w", key, err)
	}
	if expires.Valid && !time.Now().UTC().Before(expires.Time) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE name = ?`, key)
		return "", kv.ErrNotFound
	}
	return value, nil
}

func (s *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := time.Now().UTC()
	var expires sql.NullTime
	if ttl > 0 {
		expires = sql.NullTime{Time: now.Add(ttl), Valid: true}
	}
	stmt := `INSERT INTO kv_entries (name, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`
	if s.driver == "mysql" {
		stmt = `INSERT INTO kv_entries (name, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value), expires_at = VALUES(expires_at), updated_at = VALUES(updated_at)`
	}
	if _, err := s.db.ExecContext(ctx, stmt, key, value, expires, now); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (s *KV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := `DELETE FROM kv_entries WHERE name IN (?` + strings.Repeat(", ?", len(keys)-1) + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

// PurgeExpired removes rows whose expiry has passed.
func (s *KV) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}
