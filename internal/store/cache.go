package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SetCache stores value as JSON under key for ttl
func (q *Queries) SetCache(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO cache (key, value, ttl, timestamp) VALUES (?, ?, ?, ?)`,
		key, string(data), ttl.Milliseconds(), q.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write cache key %q: %w", key, err)
	}
	return nil
}

// GetCache decodes the value stored under key into dst. Expired rows are
// deleted and reported as a miss.
func (q *Queries) GetCache(ctx context.Context, key string, dst any) (bool, error) {
	var (
		value         string
		ttl, storedAt int64
	)
	err := q.q.QueryRowContext(ctx, `SELECT value, ttl, timestamp FROM cache WHERE key = ?`, key).Scan(&value, &ttl, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache key %q: %w", key, err)
	}

	if q.now().UnixMilli() > storedAt+ttl {
		if _, err := q.q.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key); err != nil {
			return false, fmt.Errorf("failed to evict cache key %q: %w", key, err)
		}
		return false, nil
	}

	if err := json.Unmarshal([]byte(value), dst); err != nil {
		return false, fmt.Errorf("failed to decode cache key %q: %w", key, err)
	}
	return true, nil
}

// InvalidatePrefix removes every cache key starting with prefix
func (q *Queries) InvalidatePrefix(ctx context.Context, prefix string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM cache WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%"); err != nil {
		return fmt.Errorf("failed to invalidate cache prefix %q: %w", prefix, err)
	}
	return nil
}

// ClearCache removes every cached value
func (q *Queries) ClearCache(ctx context.Context) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM cache`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

// CacheKeys returns the number of live cache rows
func (q *Queries) CacheKeys(ctx context.Context) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache WHERE timestamp + ttl >= ?`, q.now().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count cache rows: %w", err)
	}
	return n, nil
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

// SetMeta stores value as JSON under key
func (q *Queries) SetMeta(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal meta %q: %w", key, err)
	}
	if _, err := q.q.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, string(data)); err != nil {
		return fmt.Errorf("failed to write meta %q: %w", key, err)
	}
	return nil
}

// GetMeta decodes the value stored under key into dst
func (q *Queries) GetMeta(ctx context.Context, key string, dst any) (bool, error) {
	var value string
	err := q.q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read meta %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), dst); err != nil {
		return false, fmt.Errorf("failed to decode meta %q: %w", key, err)
	}
	return true, nil
}

// DeleteMeta removes the value stored under key
func (q *Queries) DeleteMeta(ctx context.Context, key string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete meta %q: %w", key, err)
	}
	return nil
}
