// Package distlock elects a single replica for periodic sweeps (webhook
// delivery, reservation reaping) using Redis, or PostgreSQL advisory locks
// when Redis is not configured.
package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// A lock instance belongs to one goroutine at a time.
type DistLock interface {
	// Acquire tries to take the lock without blocking.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if this instance still owns it.
	Release(ctx context.Context) error
}

// NewLock picks Redis when a client is given and falls back to PostgreSQL
// advisory locks otherwise. With neither, every caller wins.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	if db != nil {
		return NewPGAdvisoryLock(db, key)
	}
	return localLock{}
}

// WithLock runs fn only if the lock can be acquired. It reports whether fn ran.
func WithLock(ctx context.Context, lock DistLock, fn func(ctx context.Context) error) (bool, error) {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		// Release on a fresh context so a cancelled sweep still frees the key.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(relCtx)
	}()
	if err := fn(ctx); err != nil {
		return true, fmt.Errorf("locked section: %w", err)
	}
	return true, nil
}

// localLock is used in single-process mode where no coordination is needed.
type localLock struct{}

func (localLock) Acquire(context.Context) (bool, error) { return true, nil }
func (localLock) Release(context.Context) error         { return nil }

// =============================================================================
// PostgreSQL Advisory Lock
// =============================================================================
// pg_try_advisory_lock is session-scoped, so the lock is dropped by the server
// if the connection dies. The session is pinned with sql.Conn so that unlock
// runs on the same backend that locked.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock derives a stable lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries pg_try_advisory_lock on a dedicated connection.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
