// Package lock provides advisory mutual exclusion across process instances
// sharing one PostgreSQL database. Locks are session-scoped: they are held
// on a single pinned connection and vanish with it, so callers re-acquire
// on every unit of work and never assume a lock survives a reconnect.
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/entity_layer/pkg/logger"
	"github.com/R3E-Network/entity_layer/pkg/metrics"
)

// DefaultKeyPrefix namespaces advisory lock keys so unrelated users of the
// same database do not collide.
const DefaultKeyPrefix uint32 = 0x42554E53

// Config tunes lock acquisition behavior.
type Config struct {
	KeyPrefix uint32
	// Timeout > 0 retries a failed acquisition until it elapses.
	Timeout       time.Duration
	RetryInterval time.Duration
}

// Manager acquires and releases advisory locks on a pinned session
// connection.
type Manager struct {
	db      *sqlx.DB
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	conn    *sql.Conn
	tracked map[string]int64
}

// NewManager creates a lock manager.
func NewManager(db *sqlx.DB, cfg Config, log *logger.Logger, m *metrics.Metrics) *Manager {
	if cfg.KeyPrefix == 0 {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if log == nil {
		log = logger.NewDefault("lock")
	}
	return &Manager{
		db:      db,
		cfg:     cfg,
		log:     log,
		metrics: m,
		tracked: make(map[string]int64),
	}
}

// Key computes the 64-bit advisory lock key for a task id: the namespace
// prefix in the high 32 bits, the FNV-1a hash of the id in the low 32.
func Key(prefix uint32, taskID string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return int64(prefix)<<32 | int64(h.Sum32())
}

// connection pins a single connection for the life of the manager so every lock
// lives in one database session.
func (m *Manager) connection(ctx context.Context) (*sql.Conn, error) {
	if m.conn != nil {
		return m.conn, nil
	}
	conn, err := m.db.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pin lock connection: %w", err)
	}
	m.conn = conn
	return conn, nil
}

// TryAcquire attempts to take the lock for taskID without blocking the
// database. When Timeout > 0 it retries every RetryInterval until the
// timeout elapses. Returns whether the lock was acquired.
func (m *Manager) TryAcquire(ctx context.Context, taskID string) (bool, error) {
	deadline := time.Now().Add(m.cfg.Timeout)
	for {
		acquired, err := m.tryOnce(ctx, taskID)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}
		if m.cfg.Timeout <= 0 || time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(m.cfg.RetryInterval):
		}
	}
}

func (m *Manager) tryOnce(ctx context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.LockAttempts.Inc()
	}

	conn, err := m.connection(ctx)
	if err != nil {
		return false, err
	}

	key := Key(m.cfg.KeyPrefix, taskID)
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		// The pinned session may have died; drop it so the next attempt
		// re-pins, and count the miss.
		_ = m.conn.Close()
		m.conn = nil
		if m.metrics != nil {
			m.metrics.LockFailed.Inc()
		}
		return false, fmt.Errorf("try advisory lock: %w", err)
	}

	if acquired {
		m.tracked[taskID] = key
		if m.metrics != nil {
			m.metrics.LockAcquired.Inc()
		}
	} else if m.metrics != nil {
		m.metrics.LockFailed.Inc()
	}
	return acquired, nil
}

// Release unlocks the advisory lock for taskID. The id is untracked even
// when the database reports the lock was not held, e.g. after the session
// was recycled.
func (m *Manager) Release(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.tracked[taskID]
	if !ok {
		key = Key(m.cfg.KeyPrefix, taskID)
	}
	delete(m.tracked, taskID)

	conn, err := m.connection(ctx)
	if err != nil {
		return err
	}

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	if !released {
		m.log.WithField("task_id", taskID).Debug("advisory lock was not held at release")
	}
	return nil
}

// ReleaseAll unlocks every tracked lock. Called at shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Release(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases all locks and returns the pinned connection to the pool.
func (m *Manager) Close(ctx context.Context) error {
	err := m.ReleaseAll(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	return err
}
