package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/R3E-Network/entity_layer/internal/config"
	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/entity"
	"github.com/R3E-Network/entity_layer/internal/lock"
	"github.com/R3E-Network/entity_layer/internal/query"
	"github.com/R3E-Network/entity_layer/pkg/logger"
	"github.com/R3E-Network/entity_layer/pkg/metrics"
)

// cronParser accepts standard 5-field expressions with an optional leading
// seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Scheduler arms and executes registered tasks across process instances.
type Scheduler struct {
	cfg     config.SchedulerConfig
	queries *query.Factory
	locks   *lock.Manager
	log     *logger.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	tasks     map[string]*Task
	schedules map[string]cron.Schedule
	listeners []func(Event)
	perTask   map[string]*TaskMetrics
	global    TaskMetrics

	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     *semaphore.Weighted
}

// New creates a scheduler. locks may be nil when distributed locking is
// disabled.
func New(cfg config.SchedulerConfig, queries *query.Factory, locks *lock.Manager, log *logger.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 10
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		cfg:       cfg,
		queries:   queries,
		locks:     locks,
		log:       log,
		metrics:   m,
		tasks:     make(map[string]*Task),
		schedules: make(map[string]cron.Schedule),
		perTask:   make(map[string]*TaskMetrics),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
	}
}

// Register validates and adds a task. Invalid cron expressions, a missing
// handler, or a missing selector fail registration.
func (s *Scheduler) Register(t Task) error {
	if t.ID == "" {
		return &core.ScheduleError{Task: t.Name, Reason: "task id is required"}
	}
	if t.Handler == nil {
		return &core.ScheduleError{Task: t.ID, Reason: "handler is required"}
	}
	if t.Selector.empty() {
		return &core.ScheduleError{Task: t.ID, Reason: "entity selector is required"}
	}

	var schedule cron.Schedule
	switch t.Interval {
	case Minute, Hour, Daily, Weekly, Monthly:
	case Cron:
		if t.CronExpr == "" {
			return &core.ScheduleError{Task: t.ID, Reason: "cron expression is required"}
		}
		var err error
		schedule, err = cronParser.Parse(t.CronExpr)
		if err != nil {
			return &core.ScheduleError{Task: t.ID, Reason: fmt.Sprintf("invalid cron expression: %v", err)}
		}
	default:
		return &core.ScheduleError{Task: t.ID, Reason: fmt.Sprintf("unknown interval %q", t.Interval)}
	}

	if t.Options.Timeout <= 0 {
		t.Options.Timeout = s.cfg.DefaultTimeout
	}
	if t.Options.RetryDelay <= 0 {
		t.Options.RetryDelay = 5 * time.Second
	}
	if t.Name == "" {
		t.Name = t.ID
	}

	now := time.Now()
	if t.Interval == Cron {
		t.NextExecution = schedule.Next(now)
	} else {
		t.NextExecution = now.Add(t.Interval.Duration())
	}

	s.mu.Lock()
	if _, dup := s.tasks[t.ID]; dup {
		s.mu.Unlock()
		return &core.ScheduleError{Task: t.ID, Reason: "already registered"}
	}
	s.tasks[t.ID] = &t
	if schedule != nil {
		s.schedules[t.ID] = schedule
	}
	s.perTask[t.ID] = &TaskMetrics{}
	started := s.running
	s.mu.Unlock()

	s.publish(Event{Type: EventTaskRegistered, TaskID: t.ID, TaskName: t.Name, Timestamp: now})

	if started {
		s.arm(&t)
	}
	return nil
}

// Subscribe adds a listener for the scheduler event stream.
func (s *Scheduler) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Scheduler) publish(evt Event) {
	s.mu.Lock()
	listeners := append([]func(Event){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

// Start arms all registered tasks in priority order (higher first).
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	s.running = true

	ordered := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		ordered = append(ordered, t)
	}
	s.mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Options.Priority > ordered[j].Options.Priority
	})

	for _, t := range ordered {
		s.armWith(runCtx, t)
		if s.cfg.RunOnStart {
			s.wg.Add(1)
			go func(t *Task) {
				defer s.wg.Done()
				s.execute(runCtx, t.ID)
			}(t)
		}
	}

	s.log.WithField("tasks", len(ordered)).Info("scheduler started")
	return nil
}

// arm starts the trigger loop for a task registered after Start.
func (s *Scheduler) arm(t *Task) {
	s.mu.Lock()
	ctx := s.runCtx
	running := s.running
	s.mu.Unlock()
	if running && ctx != nil {
		s.armWith(ctx, t)
	}
}

// armWith starts the trigger loop for one task.
func (s *Scheduler) armWith(ctx context.Context, t *Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx, t.ID)
	}()
}

// loop drives one task: repeating timers for short intervals, a daily probe
// for long ones, and one-shot re-armed timers for cron.
func (s *Scheduler) loop(ctx context.Context, taskID string) {
	for {
		s.mu.Lock()
		t, ok := s.tasks[taskID]
		if !ok {
			s.mu.Unlock()
			return
		}
		interval := t.Interval
		next := t.NextExecution
		schedule := s.schedules[taskID]
		s.mu.Unlock()

		var wait time.Duration
		switch {
		case interval == Cron:
			wait = time.Until(next)
		default:
			period := interval.Duration()
			if period > probeCap {
				period = probeCap
			}
			wait = period
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		now := time.Now()
		if interval != Cron && interval.Duration() > probeCap && now.Before(next) {
			// Probe fired before the task is due.
			continue
		}

		s.execute(ctx, taskID)

		s.mu.Lock()
		if t, ok := s.tasks[taskID]; ok {
			if interval == Cron && schedule != nil {
				t.NextExecution = schedule.Next(time.Now())
			} else {
				t.NextExecution = time.Now().Add(interval.Duration())
			}
		}
		s.mu.Unlock()
	}
}

// Stop halts all trigger loops and waits for running tasks.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.runCtx = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("scheduler stopped")
	return nil
}

// Tasks returns a snapshot of registered task state.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TaskMetricsFor returns a snapshot of one task's counters.
func (s *Scheduler) TaskMetricsFor(id string) TaskMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.perTask[id]; ok {
		return *m
	}
	return TaskMetrics{}
}

// GlobalMetrics returns the scheduler-wide counters.
func (s *Scheduler) GlobalMetrics() TaskMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}

// buildEntities produces the task's input entity set.
func (s *Scheduler) buildEntities(ctx context.Context, t *Task) ([]*entity.Entity, error) {
	var q *query.Query
	switch {
	case t.Selector.Query != nil:
		q = t.Selector.Query()
	case t.Selector.Component != "":
		q = s.queries.New().With(t.Selector.Component)
	case t.Selector.Target != nil:
		q = s.queries.New()
		for _, c := range t.Selector.Target.IncludeComponents {
			q = q.With(c)
		}
		for _, c := range t.Selector.Target.ExcludeComponents {
			q = q.Without(c)
		}
	default:
		return nil, &core.ScheduleError{Task: t.ID, Reason: "entity selector is required"}
	}
	if t.Options.MaxEntitiesPerExecution > 0 {
		q = q.Take(t.Options.MaxEntitiesPerExecution)
	}
	return q.Exec(ctx)
}
