package scheduler

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/entity_layer/internal/config"
	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/entity"
	"github.com/R3E-Network/entity_layer/internal/lock"
	"github.com/R3E-Network/entity_layer/internal/metadata"
	"github.com/R3E-Network/entity_layer/internal/query"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(evt Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, evt := range l.events {
		out[i] = evt.Type
	}
	return out
}

func (l *eventLog) count(t EventType) int {
	n := 0
	for _, et := range l.types() {
		if et == t {
			n++
		}
	}
	return n
}

func newTestScheduler(t *testing.T, cfg config.SchedulerConfig, locks *lock.Manager) (*Scheduler, sqlmock.Sqlmock, *query.Factory, *eventLog) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := metadata.NewRegistry()
	_, err = registry.RegisterComponent(metadata.ComponentClass{
		Name:   "Tag",
		Fields: []metadata.Field{{Key: "value", Kind: metadata.KindString}},
	})
	require.NoError(t, err)

	factory := query.NewFactory(sqlx.NewDb(db, "postgres"), registry, nil, nil, nil)
	s := New(cfg, factory, locks, nil, nil)

	log := &eventLog{}
	s.Subscribe(log.record)
	return s, mock, factory, log
}

func tagTask(factory *query.Factory, handler Handler) Task {
	return Task{
		ID:       "task-1",
		Name:     "tag task",
		Interval: Minute,
		Selector: Selector{Query: func() *query.Query { return factory.New().With("Tag") }},
		Handler:  handler,
	}
}

func noopHandler(ctx context.Context, entities []*entity.Entity) error { return nil }

func TestRegisterValidation(t *testing.T) {
	s, _, factory, _ := newTestScheduler(t, config.SchedulerConfig{}, nil)

	err := s.Register(Task{Name: "no id"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)

	task := tagTask(factory, nil)
	err = s.Register(task)
	assert.ErrorIs(t, err, core.ErrInvalidInput) // missing handler

	task = tagTask(factory, noopHandler)
	task.Selector = Selector{}
	err = s.Register(task)
	assert.ErrorIs(t, err, core.ErrInvalidInput) // missing selector

	task = tagTask(factory, noopHandler)
	task.Interval = "FORTNIGHTLY"
	err = s.Register(task)
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestRegisterCronValidation(t *testing.T) {
	s, _, factory, _ := newTestScheduler(t, config.SchedulerConfig{}, nil)

	task := tagTask(factory, noopHandler)
	task.Interval = Cron
	task.CronExpr = "not a cron"
	assert.ErrorIs(t, s.Register(task), core.ErrInvalidInput)

	task.CronExpr = ""
	assert.ErrorIs(t, s.Register(task), core.ErrInvalidInput)

	task.ID = "cron-ok"
	task.CronExpr = "*/5 * * * *"
	require.NoError(t, s.Register(task))

	registered := s.Tasks()
	require.Len(t, registered, 1)
	// Next execution lands on a five-minute boundary in the future.
	assert.True(t, registered[0].NextExecution.After(time.Now()))

	// Six-field expressions (with seconds) parse too.
	task.ID = "cron-seconds"
	task.CronExpr = "0 */5 * * * *"
	require.NoError(t, s.Register(task))
}

func TestRegisterDuplicate(t *testing.T) {
	s, _, factory, _ := newTestScheduler(t, config.SchedulerConfig{}, nil)

	require.NoError(t, s.Register(tagTask(factory, noopHandler)))
	assert.ErrorIs(t, s.Register(tagTask(factory, noopHandler)), core.ErrInvalidInput)
}

func TestIntervalDurations(t *testing.T) {
	assert.Equal(t, time.Minute, Minute.Duration())
	assert.Equal(t, time.Hour, Hour.Duration())
	assert.Equal(t, 24*time.Hour, Daily.Duration())
	assert.Equal(t, 7*24*time.Hour, Weekly.Duration())
	assert.Equal(t, 30*24*time.Hour, Monthly.Duration())
	assert.Equal(t, time.Duration(0), Cron.Duration())
	// Long intervals are driven by a probe capped at one day.
	assert.Greater(t, Weekly.Duration(), probeCap)
}

func TestExecuteRunsHandlerWithEntities(t *testing.T) {
	s, mock, factory, log := newTestScheduler(t, config.SchedulerConfig{}, nil)

	id1 := "00000000-0000-7000-8000-000000000001"
	id2 := "00000000-0000-7000-8000-000000000002"
	mock.ExpectQuery(regexp.QuoteMeta("SELECT ec.entity_id FROM entity_components ec")).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}).AddRow(id1).AddRow(id2))

	var got int
	task := tagTask(factory, func(ctx context.Context, entities []*entity.Entity) error {
		got = len(entities)
		return nil
	})
	require.NoError(t, s.Register(task))

	s.execute(context.Background(), task.ID)

	assert.Equal(t, 2, got)
	assert.Equal(t, 1, log.count(EventTaskExecuted))

	m := s.TaskMetricsFor(task.ID)
	assert.Equal(t, int64(1), m.Completed)
	assert.Zero(t, m.Failed)
}

func TestExecuteAppliesEntityCap(t *testing.T) {
	s, mock, factory, _ := newTestScheduler(t, config.SchedulerConfig{}, nil)

	mock.ExpectQuery("LIMIT 5").
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}))

	task := tagTask(factory, noopHandler)
	task.Options.MaxEntitiesPerExecution = 5
	require.NoError(t, s.Register(task))

	s.execute(context.Background(), task.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteSkipsWhenAlreadyRunning(t *testing.T) {
	s, mock, factory, log := newTestScheduler(t, config.SchedulerConfig{}, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT ec.entity_id")).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}))

	release := make(chan struct{})
	started := make(chan struct{})
	task := tagTask(factory, func(ctx context.Context, entities []*entity.Entity) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, s.Register(task))

	go s.execute(context.Background(), task.ID)
	<-started

	s.execute(context.Background(), task.ID)
	close(release)

	require.Eventually(t, func() bool {
		return log.count(EventTaskExecuted) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, log.count(EventTaskSkipped))
	assert.Equal(t, int64(1), s.GlobalMetrics().Skipped)
}

func TestExecuteRetriesThenFails(t *testing.T) {
	s, mock, factory, log := newTestScheduler(t, config.SchedulerConfig{}, nil)

	// Two attempts, both selecting an empty entity set.
	for i := 0; i < 2; i++ {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT ec.entity_id")).
			WillReturnRows(sqlmock.NewRows([]string{"entity_id"}))
	}

	task := tagTask(factory, func(ctx context.Context, entities []*entity.Entity) error {
		return errors.New("boom")
	})
	task.Options.MaxRetries = 1
	task.Options.RetryDelay = 10 * time.Millisecond
	require.NoError(t, s.Register(task))

	s.execute(context.Background(), task.ID)
	assert.Equal(t, 1, log.count(EventTaskRetry))

	require.Eventually(t, func() bool {
		return log.count(EventTaskFailed) == 1
	}, time.Second, 10*time.Millisecond)

	m := s.TaskMetricsFor(task.ID)
	assert.Equal(t, int64(1), m.Retried)
	assert.Equal(t, int64(1), m.Failed)

	// Retry counter resets so the next normal trigger starts fresh.
	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Zero(t, tasks[0].RetryCount)
}

func TestExecuteTimeout(t *testing.T) {
	s, mock, factory, log := newTestScheduler(t, config.SchedulerConfig{}, nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT ec.entity_id")).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}))

	task := tagTask(factory, func(ctx context.Context, entities []*entity.Entity) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	task.Options.Timeout = 20 * time.Millisecond
	require.NoError(t, s.Register(task))

	s.execute(context.Background(), task.ID)

	assert.Equal(t, 1, log.count(EventTaskFailed))
	assert.Equal(t, int64(1), s.TaskMetricsFor(task.ID).TimedOut)
}

func TestExecuteSkipsWhenLockNotAcquired(t *testing.T) {
	lockDB, lockMock, err := sqlmock.New()
	require.NoError(t, err)
	defer lockDB.Close()
	locks := lock.NewManager(sqlx.NewDb(lockDB, "postgres"), lock.Config{}, nil, nil)

	s, _, factory, log := newTestScheduler(t, config.SchedulerConfig{DistributedLocking: true}, locks)

	lockMock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	var ran bool
	task := tagTask(factory, func(ctx context.Context, entities []*entity.Entity) error {
		ran = true
		return nil
	})
	require.NoError(t, s.Register(task))

	s.execute(context.Background(), task.ID)

	assert.False(t, ran)
	assert.Equal(t, 1, log.count(EventLockFailed))
	assert.Equal(t, 1, log.count(EventTaskSkipped))
	m := s.TaskMetricsFor(task.ID)
	assert.Equal(t, int64(1), m.LockFailed)
	assert.Zero(t, m.Completed)
}

func TestExecuteAcquiresAndReleasesLock(t *testing.T) {
	lockDB, lockMock, err := sqlmock.New()
	require.NoError(t, err)
	defer lockDB.Close()
	locks := lock.NewManager(sqlx.NewDb(lockDB, "postgres"), lock.Config{}, nil, nil)

	s, mock, factory, log := newTestScheduler(t, config.SchedulerConfig{DistributedLocking: true}, locks)

	lockMock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT ec.entity_id")).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}))
	lockMock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	task := tagTask(factory, noopHandler)
	require.NoError(t, s.Register(task))

	s.execute(context.Background(), task.ID)

	assert.NoError(t, lockMock.ExpectationsWereMet())
	assert.Equal(t, 1, log.count(EventLockAcquired))
	assert.Equal(t, 1, log.count(EventTaskExecuted))
	assert.Equal(t, int64(1), s.TaskMetricsFor(task.ID).LockAcquired)
}

func TestStartStopLifecycle(t *testing.T) {
	s, _, factory, _ := newTestScheduler(t, config.SchedulerConfig{}, nil)
	require.NoError(t, s.Register(tagTask(factory, noopHandler)))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background())) // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx)) // idempotent
}

func TestLegacySelectors(t *testing.T) {
	s, mock, factory, _ := newTestScheduler(t, config.SchedulerConfig{}, nil)
	_ = factory

	mock.ExpectQuery(regexp.QuoteMeta("SELECT ec.entity_id")).
		WillReturnRows(sqlmock.NewRows([]string{"entity_id"}))

	task := Task{
		ID:       "legacy",
		Interval: Hour,
		Selector: Selector{Component: "Tag"},
		Handler:  noopHandler,
	}
	require.NoError(t, s.Register(task))
	s.execute(context.Background(), task.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
