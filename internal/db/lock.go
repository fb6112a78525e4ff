package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// AdvisoryLocker is a named, database-mediated mutual-exclusion primitive
// usable across independent process instances. TryAcquire never blocks: it
// returns false immediately when another holder owns the key.
//
// The scheduler uses a single well-known key to guarantee that only one
// instance scans due backup schedules per tick.
type AdvisoryLocker interface {
	TryAcquire(ctx context.Context, key int64) (bool, error)
	Release(ctx context.Context, key int64) error
}

// NewAdvisoryLocker returns the locker implementation matching the database
// driver. PostgreSQL uses session-level pg_try_advisory_lock; SQLite has no
// cross-process lock primitive, so a process-local mutex table is used and
// cross-instance exclusion degrades to single-instance semantics. Deployments
// running multiple scheduler instances must use PostgreSQL.
func NewAdvisoryLocker(database *gorm.DB, driver string) (AdvisoryLocker, error) {
	if driver == "postgres" {
		sqlDB, err := database.DB()
		if err != nil {
			return nil, fmt.Errorf("db: advisory locker: %w", err)
		}
		return newPGAdvisoryLocker(sqlDB), nil
	}
	return &localAdvisoryLocker{held: make(map[int64]bool)}, nil
}

// pgAdvisoryLocker maps TryAcquire/Release onto PostgreSQL advisory lock
// functions. Advisory locks are owned by a server session, so each acquired
// key pins a dedicated *sql.Conn that is held until Release: routing the
// unlock through the pool would land it on a different session, leak the
// lock on the idle connection and starve every other instance. Locks are
// still session-scoped on the server side: if the process dies the server
// releases them when the pinned connections close.
type pgAdvisoryLocker struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[int64]*sql.Conn
}

func newPGAdvisoryLocker(sqlDB *sql.DB) *pgAdvisoryLocker {
	return &pgAdvisoryLocker{
		db:    sqlDB,
		conns: make(map[int64]*sql.Conn),
	}
}

func (l *pgAdvisoryLocker) TryAcquire(ctx context.Context, key int64) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("db: advisory lock acquire: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("db: advisory lock acquire: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}

	l.mu.Lock()
	l.conns[key] = conn
	l.mu.Unlock()
	return true, nil
}

func (l *pgAdvisoryLocker) Release(ctx context.Context, key int64) error {
	l.mu.Lock()
	conn, ok := l.conns[key]
	delete(l.conns, key)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("db: advisory lock release: key %d is not held", key)
	}
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released); err != nil {
		return fmt.Errorf("db: advisory lock release: %w", err)
	}
	if !released {
		return fmt.Errorf("db: advisory lock release: key %d was not held by this session", key)
	}
	return nil
}

// localAdvisoryLocker is the single-process fallback used with SQLite.
type localAdvisoryLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func (l *localAdvisoryLocker) TryAcquire(_ context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *localAdvisoryLocker) Release(_ context.Context, key int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
