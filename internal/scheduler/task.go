// Package scheduler runs registered tasks on fixed intervals or cron
// expressions, selecting their input entity sets through the query engine
// and guarding execution with distributed advisory locks.
package scheduler

import (
	"context"
	"time"

	"github.com/R3E-Network/entity_layer/internal/entity"
	"github.com/R3E-Network/entity_layer/internal/query"
)

// Interval enumerates the supported trigger kinds.
type Interval string

const (
	Minute  Interval = "MINUTE"
	Hour    Interval = "HOUR"
	Daily   Interval = "DAILY"
	Weekly  Interval = "WEEKLY"
	Monthly Interval = "MONTHLY"
	Cron    Interval = "CRON"
)

// probeCap bounds the timer period for intervals longer than a day: the
// scheduler wakes at most daily and fires only when the task is due.
const probeCap = 24 * time.Hour

// Duration returns the fixed period of an interval kind. Cron returns 0.
func (i Interval) Duration() time.Duration {
	switch i {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// Handler is the task body, invoked with the selected entity set.
type Handler func(ctx context.Context, entities []*entity.Entity) error

// Selector produces the input entity set for a task. Exactly one mechanism
// must be set; a query builder function is the preferred form.
type Selector struct {
	// Query builds the entity selection per execution.
	Query func() *query.Query
	// Component selects all entities carrying one component class (legacy).
	Component string
	// Target selects by include/exclude component lists (legacy).
	Target *TargetConfig
}

// TargetConfig is the legacy component-composition selector.
type TargetConfig struct {
	IncludeComponents []string
	ExcludeComponents []string
}

func (s Selector) empty() bool {
	return s.Query == nil && s.Component == "" && s.Target == nil
}

// Options tunes one task.
type Options struct {
	Timeout                 time.Duration
	MaxRetries              int
	RetryDelay              time.Duration
	Priority                int
	MaxEntitiesPerExecution int
	EnableLogging           bool
}

// Task is a registered unit of scheduled work.
type Task struct {
	ID       string
	Name     string
	Interval Interval
	CronExpr string
	Options  Options
	Selector Selector
	Handler  Handler

	// Runtime state, guarded by the scheduler mutex.
	NextExecution  time.Time
	Running        bool
	RetryCount     int
	LastError      string
	ExecutionCount int64
}

// EventType enumerates scheduler stream events.
type EventType string

const (
	EventTaskRegistered EventType = "task.registered"
	EventTaskExecuted   EventType = "task.executed"
	EventTaskRetry      EventType = "task.retry"
	EventTaskFailed     EventType = "task.failed"
	EventTaskSkipped    EventType = "task.skipped"
	EventLockAcquired   EventType = "lock.acquired"
	EventLockFailed     EventType = "lock.failed"
)

// Event is one entry of the scheduler event stream.
type Event struct {
	Type      EventType
	TaskID    string
	TaskName  string
	Detail    string
	Err       error
	Timestamp time.Time
}

// TaskMetrics counts task outcomes, per task and globally.
type TaskMetrics struct {
	Running      int64
	Completed    int64
	Failed       int64
	TimedOut     int64
	Retried      int64
	Skipped      int64
	LockAttempts int64
	LockAcquired int64
	LockFailed   int64
}
