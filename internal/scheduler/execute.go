package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// execute runs one task invocation: concurrency gate, distributed lock,
// entity selection, handler with timeout, retry bookkeeping, and events.
func (s *Scheduler) execute(ctx context.Context, taskID string) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if t.Running {
		s.bump(taskID, func(m *TaskMetrics) { m.Skipped++ })
		s.mu.Unlock()
		s.publish(Event{Type: EventTaskSkipped, TaskID: t.ID, TaskName: t.Name,
			Detail: "already running", Timestamp: time.Now()})
		return
	}
	if !s.sem.TryAcquire(1) {
		s.bump(taskID, func(m *TaskMetrics) { m.Skipped++ })
		s.mu.Unlock()
		s.publish(Event{Type: EventTaskSkipped, TaskID: t.ID, TaskName: t.Name,
			Detail: "concurrency limit reached", Timestamp: time.Now()})
		return
	}
	t.Running = true
	s.bump(taskID, func(m *TaskMetrics) { m.Running++ })
	opts := t.Options
	name := t.Name
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksRunning.Inc()
	}
	defer func() {
		s.sem.Release(1)
		if s.metrics != nil {
			s.metrics.TasksRunning.Dec()
		}
		s.mu.Lock()
		if t, ok := s.tasks[taskID]; ok {
			t.Running = false
		}
		s.bump(taskID, func(m *TaskMetrics) { m.Running-- })
		s.mu.Unlock()
	}()

	// Advisory locks are session-scoped, so the lock is taken fresh on
	// every invocation and never assumed to survive reconnects.
	if s.cfg.DistributedLocking && s.locks != nil {
		s.bumpSync(taskID, func(m *TaskMetrics) { m.LockAttempts++ })
		acquired, err := s.locks.TryAcquire(ctx, taskID)
		if err != nil || !acquired {
			s.bumpSync(taskID, func(m *TaskMetrics) { m.LockFailed++; m.Skipped++ })
			s.publish(Event{Type: EventLockFailed, TaskID: taskID, TaskName: name,
				Err: err, Timestamp: time.Now()})
			s.publish(Event{Type: EventTaskSkipped, TaskID: taskID, TaskName: name,
				Detail: "lock not acquired", Timestamp: time.Now()})
			return
		}
		s.bumpSync(taskID, func(m *TaskMetrics) { m.LockAcquired++ })
		s.publish(Event{Type: EventLockAcquired, TaskID: taskID, TaskName: name, Timestamp: time.Now()})
		defer func() {
			if err := s.locks.Release(context.Background(), taskID); err != nil {
				s.log.WithError(err).WithField("task_id", taskID).Warn("release task lock failed")
			}
		}()
	}

	start := time.Now()
	err := s.runOnce(ctx, taskID, opts)
	elapsed := time.Since(start)

	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.TaskRuns.WithLabelValues(name, status).Inc()
		s.metrics.TaskDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	}

	if err == nil {
		s.mu.Lock()
		if t, ok := s.tasks[taskID]; ok {
			t.RetryCount = 0
			t.LastError = ""
			t.ExecutionCount++
		}
		s.bump(taskID, func(m *TaskMetrics) { m.Completed++ })
		s.mu.Unlock()
		s.publish(Event{Type: EventTaskExecuted, TaskID: taskID, TaskName: name, Timestamp: time.Now()})
		if opts.EnableLogging {
			s.log.WithField("task_id", taskID).WithField("duration", elapsed).Info("task executed")
		}
		return
	}

	timedOut := errors.Is(err, context.DeadlineExceeded)
	s.mu.Lock()
	var retryCount int
	if t, ok := s.tasks[taskID]; ok {
		t.RetryCount++
		t.LastError = err.Error()
		retryCount = t.RetryCount
	}
	if timedOut {
		s.bump(taskID, func(m *TaskMetrics) { m.TimedOut++ })
	}
	s.mu.Unlock()

	if retryCount <= opts.MaxRetries {
		s.mu.Lock()
		s.bump(taskID, func(m *TaskMetrics) { m.Retried++ })
		s.mu.Unlock()
		s.publish(Event{Type: EventTaskRetry, TaskID: taskID, TaskName: name, Err: err,
			Detail: fmt.Sprintf("retry %d/%d", retryCount, opts.MaxRetries), Timestamp: time.Now()})
		time.AfterFunc(opts.RetryDelay, func() {
			if ctx.Err() == nil {
				s.execute(ctx, taskID)
			}
		})
		return
	}

	// Retries exhausted; the task waits for its next normal trigger.
	s.mu.Lock()
	if t, ok := s.tasks[taskID]; ok {
		t.RetryCount = 0
	}
	s.bump(taskID, func(m *TaskMetrics) { m.Failed++ })
	s.mu.Unlock()
	s.publish(Event{Type: EventTaskFailed, TaskID: taskID, TaskName: name, Err: err, Timestamp: time.Now()})
	s.log.WithError(err).WithField("task_id", taskID).Warn("task failed after retries")
}

// runOnce selects the entity set and invokes the handler, racing it
// against the per-task timeout.
func (s *Scheduler) runOnce(ctx context.Context, taskID string, opts Options) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	handler := t.Handler
	task := *t
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	entities, err := s.buildEntities(runCtx, &task)
	if err != nil {
		return fmt.Errorf("select entities: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task panic: %v", r)
			}
		}()
		done <- handler(runCtx, entities)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		return context.DeadlineExceeded
	}
}

// bump updates per-task and global counters. Caller holds the lock.
func (s *Scheduler) bump(taskID string, fn func(*TaskMetrics)) {
	if m, ok := s.perTask[taskID]; ok {
		fn(m)
	}
	fn(&s.global)
}

// bumpSync is bump with its own locking, for call sites outside the mutex.
func (s *Scheduler) bumpSync(taskID string, fn func(*TaskMetrics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bump(taskID, fn)
}
