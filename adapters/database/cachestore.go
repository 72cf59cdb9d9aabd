package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tablegate/core/dialect"
	"github.com/artpar/tablegate/ports"
)

// CacheStore is a ports.CacheStore kept in the tablegate_schema_cache
// table, so compiled schema documents survive restarts and are shared by
// every process on the same database. Run Migrate before use.
type CacheStore struct {
	db    *sql.DB
	d     dialect.Dialect
	clock ports.Clock
}

// NewCacheStore creates a store on db. A nil clock uses the system time.
func NewCacheStore(db *DB, clock ports.Clock) *CacheStore {
	if clock == nil {
		clock = realClock{}
	}
	return &CacheStore{db: db.DB, d: db.Dialect, clock: clock}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

const cacheTable = "tablegate_schema_cache"

// Get returns the stored value. Expired rows are deleted and reported as a miss.
func (s *CacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value   []byte
		expires sql.NullInt64
	)
	q := fmt.Sprintf("SELECT value, expires_at FROM %s WHERE cache_key = %s", cacheTable, s.d.Placeholder(1))
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	if expires.Valid && s.clock.Now().UnixMilli() >= expires.Int64 {
		if err := s.Invalidate(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return value, true, nil
}

// Set replaces the value under key. A zero ttl never expires.
func (s *CacheStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expires sql.NullInt64
	if ttl > 0 {
		expires = sql.NullInt64{Int64: s.clock.Now().Add(ttl).UnixMilli(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	del := fmt.Sprintf("DELETE FROM %s WHERE cache_key = %s", cacheTable, s.d.Placeholder(1))
	if _, err := tx.ExecContext(ctx, del, key); err != nil {
		tx.Rollback()
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	ins := fmt.Sprintf("INSERT INTO %s (cache_key, value, expires_at) VALUES (%s, %s, %s)",
		cacheTable, s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3))
	if _, err := tx.ExecContext(ctx, ins, key, value, expires); err != nil {
		tx.Rollback()
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Invalidate deletes key.
func (s *CacheStore) Invalidate(ctx context.Context, key string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE cache_key = %s", cacheTable, s.d.Placeholder(1))
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("cache invalidate %q: %w", key, err)
	}
	return nil
}

// InvalidatePrefix deletes every key starting with prefix.
func (s *CacheStore) InvalidatePrefix(ctx context.Context, prefix string) error {
	q := fmt.Sprintf("DELETE FROM %s WHERE cache_key LIKE %s%s", cacheTable, s.d.Placeholder(1), s.d.LikeEscape())
	if _, err := s.db.ExecContext(ctx, q, dialect.EscapeLike(prefix)+"%"); err != nil {
		return fmt.Errorf("cache invalidate prefix %q: %w", prefix, err)
	}
	return nil
}

// Ensure interface compliance.
var _ ports.CacheStore = (*CacheStore)(nil)
