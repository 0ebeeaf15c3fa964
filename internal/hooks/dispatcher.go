package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/entity_layer/internal/core"
	"github.com/R3E-Network/entity_layer/internal/metadata"
	"github.com/R3E-Network/entity_layer/pkg/logger"
	"github.com/R3E-Network/entity_layer/pkg/metrics"
)

// Stats tracks execution counters for one event kind or globally.
type Stats struct {
	TotalExecutions      int64
	TotalExecutionTime   time.Duration
	AverageExecutionTime time.Duration
	ErrorCount           int64
	LastExecutionTime    time.Time
}

type hook struct {
	id       string
	kind     Kind
	fn       Func
	priority int
	async    bool
	timeout  time.Duration
	name     string
	filter   func(Event) bool
	target   *resolvedTarget
}

// Dispatcher registers hooks keyed by event kind and fans events out to
// them, sync hooks first in priority order, then async hooks concurrently.
type Dispatcher struct {
	registry *metadata.Registry
	log      *logger.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	hooks  map[Kind][]*hook // kept sorted by priority descending
	byID   map[string][]*hook
	stats  map[Kind]*Stats
	global Stats
}

// NewDispatcher creates a dispatcher resolving target names against the
// given registry.
func NewDispatcher(registry *metadata.Registry, log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("hooks")
	}
	return &Dispatcher{
		registry: registry,
		log:      log,
		metrics:  m,
		hooks:    make(map[Kind][]*hook),
		byID:     make(map[string][]*hook),
		stats:    make(map[Kind]*Stats),
	}
}

// Register adds a callback for one event kind and returns an opaque id for
// removal.
func (d *Dispatcher) Register(kind Kind, fn Func, opts Options) (string, error) {
	if fn == nil {
		return "", core.NewValidationError("callback", "is required")
	}
	if !validKind(kind) {
		return "", core.NewValidationError("kind", fmt.Sprintf("unknown event kind %q", kind))
	}

	target, err := d.resolveTarget(opts.Target)
	if err != nil {
		return "", err
	}

	h := &hook{
		id:       uuid.NewString(),
		kind:     kind,
		fn:       fn,
		priority: opts.Priority,
		async:    opts.Async,
		timeout:  opts.Timeout,
		name:     opts.Name,
		filter:   opts.Filter,
		target:   target,
	}
	if h.name == "" {
		h.name = string(kind) + ":" + h.id[:8]
	}

	d.mu.Lock()
	d.insert(h)
	d.mu.Unlock()
	return h.id, nil
}

// RegisterLifecycle registers the same callback under every event kind and
// returns a single id covering all of them.
func (d *Dispatcher) RegisterLifecycle(fn Func, opts Options) (string, error) {
	if fn == nil {
		return "", core.NewValidationError("callback", "is required")
	}
	target, err := d.resolveTarget(opts.Target)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kind := range AllKinds {
		h := &hook{
			id:       id,
			kind:     kind,
			fn:       fn,
			priority: opts.Priority,
			async:    opts.Async,
			timeout:  opts.Timeout,
			name:     opts.Name,
			filter:   opts.Filter,
			target:   target,
		}
		if h.name == "" {
			h.name = "lifecycle:" + id[:8]
		}
		d.insert(h)
	}
	return id, nil
}

// insert adds a hook keeping the per-kind list sorted by priority
// descending. Caller holds the lock.
func (d *Dispatcher) insert(h *hook) {
	list := append(d.hooks[h.kind], h)
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority > list[j].priority })
	d.hooks[h.kind] = list
	d.byID[h.id] = append(d.byID[h.id], h)
}

// Unregister removes a hook (or a lifecycle hook from every kind).
func (d *Dispatcher) Unregister(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	registered, ok := d.byID[id]
	if !ok {
		return false
	}
	delete(d.byID, id)
	for _, h := range registered {
		list := d.hooks[h.kind]
		for i, other := range list {
			if other == h {
				d.hooks[h.kind] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return true
}

func validKind(kind Kind) bool {
	for _, k := range AllKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// resolveTarget resolves component and archetype names to type id sets.
func (d *Dispatcher) resolveTarget(t *ComponentTarget) (*resolvedTarget, error) {
	if t == nil {
		return nil, nil
	}
	resolved := &resolvedTarget{
		matchAnyInclude: t.MatchAnyIncluded,
		matchAnyExclude: t.MatchAnyExcluded,
	}
	for _, name := range t.IncludeComponents {
		id, ok := d.registry.ComponentTypeID(name)
		if !ok {
			return nil, core.NewNotFoundError("component", name)
		}
		resolved.include = append(resolved.include, id)
	}
	for _, name := range t.ExcludeComponents {
		id, ok := d.registry.ComponentTypeID(name)
		if !ok {
			return nil, core.NewNotFoundError("component", name)
		}
		resolved.exclude = append(resolved.exclude, id)
	}

	names := t.Archetypes
	if t.Archetype != "" {
		names = append([]string{t.Archetype}, names...)
	}
	for _, name := range names {
		meta, ok := d.registry.Archetype(name)
		if !ok {
			return nil, core.NewNotFoundError("archetype", name)
		}
		var composition []string
		for _, className := range meta.Components {
			id, ok := d.registry.ComponentTypeID(className)
			if !ok {
				return nil, core.NewNotFoundError("component", className)
			}
			composition = append(composition, id)
		}
		resolved.archetypes = append(resolved.archetypes, composition)
	}
	// Archetype alone means exact composition; combined with include or
	// exclude lists it relaxes to a superset match.
	resolved.exactArchetype = len(resolved.include) == 0 && len(resolved.exclude) == 0
	return resolved, nil
}

// Emit dispatches one event.
func (d *Dispatcher) Emit(ctx context.Context, evt Event) {
	d.dispatchGroup(ctx, evt.Kind, []Event{evt})
}

// EmitBatch groups events by kind and dispatches each group, preserving
// priority order across all events of a kind.
func (d *Dispatcher) EmitBatch(ctx context.Context, evts []Event) {
	if len(evts) == 0 {
		return
	}
	groups := make(map[Kind][]Event)
	var order []Kind
	for _, evt := range evts {
		if _, ok := groups[evt.Kind]; !ok {
			order = append(order, evt.Kind)
		}
		groups[evt.Kind] = append(groups[evt.Kind], evt)
	}
	for _, kind := range order {
		d.dispatchGroup(ctx, kind, groups[kind])
	}
}

// dispatchGroup runs every candidate hook against a batch of events of one
// kind. The hook list is snapshotted up front so registration may interleave
// with dispatch.
func (d *Dispatcher) dispatchGroup(ctx context.Context, kind Kind, evts []Event) {
	d.mu.RLock()
	snapshot := append([]*hook(nil), d.hooks[kind]...)
	d.mu.RUnlock()
	if len(snapshot) == 0 {
		return
	}

	// Batch pre-filter: a hook whose target cannot match any event in the
	// group is skipped without per-event evaluation.
	var syncHooks, asyncHooks []*hook
	for _, h := range snapshot {
		if h.target != nil && !h.target.matchesAny(evts) {
			continue
		}
		if h.async {
			asyncHooks = append(asyncHooks, h)
		} else {
			syncHooks = append(syncHooks, h)
		}
	}

	for _, evt := range evts {
		for _, h := range syncHooks {
			d.invoke(ctx, h, evt)
		}
	}

	if len(asyncHooks) > 0 {
		var g errgroup.Group
		for _, evt := range evts {
			for _, h := range asyncHooks {
				h, evt := h, evt
				g.Go(func() error {
					d.invoke(ctx, h, evt)
					return nil
				})
			}
		}
		_ = g.Wait()
	}
}

// invoke runs one hook for one event, honoring targeting, filter, and the
// per-hook timeout. Failures are recorded, never propagated.
func (d *Dispatcher) invoke(ctx context.Context, h *hook, evt Event) {
	if h.target != nil && !h.target.matches(evt.EntityTypeIDs) {
		return
	}
	if h.filter != nil && !h.filter(evt) {
		return
	}

	start := time.Now()
	err := d.run(ctx, h, evt)
	elapsed := time.Since(start)

	d.record(evt.Kind, elapsed, err)
	if d.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		d.metrics.HookExecutions.WithLabelValues(string(evt.Kind), status).Inc()
		d.metrics.HookDuration.WithLabelValues(string(evt.Kind)).Observe(elapsed.Seconds())
	}
	if err != nil {
		d.log.WithError(err).
			WithField("hook", h.name).
			WithField("kind", evt.Kind).
			WithField("entity_id", evt.EntityID).
			Warn("hook execution failed")
	}
}

// run executes the callback, racing it against the hook timeout.
func (d *Dispatcher) run(ctx context.Context, h *hook, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()

	if h.timeout <= 0 {
		return h.fn(ctx, evt)
	}

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.fn(runCtx, evt)
	}()
	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		return fmt.Errorf("hook %s timed out after %s", h.name, h.timeout)
	}
}

func (d *Dispatcher) record(kind Kind, elapsed time.Duration, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.stats[kind]
	if !ok {
		s = &Stats{}
		d.stats[kind] = s
	}
	for _, target := range []*Stats{s, &d.global} {
		target.TotalExecutions++
		target.TotalExecutionTime += elapsed
		target.AverageExecutionTime = target.TotalExecutionTime / time.Duration(target.TotalExecutions)
		target.LastExecutionTime = time.Now()
		if err != nil {
			target.ErrorCount++
		}
	}
}

// StatsFor returns a snapshot of per-kind execution stats.
func (d *Dispatcher) StatsFor(kind Kind) Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.stats[kind]; ok {
		return *s
	}
	return Stats{}
}

// GlobalStats returns a snapshot of execution stats across all kinds.
func (d *Dispatcher) GlobalStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.global
}
