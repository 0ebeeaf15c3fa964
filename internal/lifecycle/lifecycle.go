// Package lifecycle tracks the boot phases of the entity layer and gates
// subsystems behind phase barriers.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/entity_layer/internal/core"
)

// Phase represents the current boot phase of the runtime.
type Phase string

const (
	PhaseInit            Phase = "init"
	PhaseDBReady         Phase = "db-ready"
	PhaseComponentsReady Phase = "components-ready"
	PhaseAppReady        Phase = "app-ready"
)

// order maps each phase to its position in the boot sequence.
var order = map[Phase]int{
	PhaseInit:            0,
	PhaseDBReady:         1,
	PhaseComponentsReady: 2,
	PhaseAppReady:        3,
}

// ValidTransitions defines which phase transitions are allowed.
var ValidTransitions = map[Phase][]Phase{
	PhaseInit:            {PhaseDBReady},
	PhaseDBReady:         {PhaseComponentsReady},
	PhaseComponentsReady: {PhaseAppReady},
	// Terminal: app-ready (no transitions out)
}

// CanTransitionTo checks if a transition to the target phase is valid.
func (p Phase) CanTransitionTo(target Phase) bool {
	for _, valid := range ValidTransitions[p] {
		if valid == target {
			return true
		}
	}
	return false
}

// Before reports whether p precedes other in the boot sequence.
func (p Phase) Before(other Phase) bool {
	return order[p] < order[other]
}

// Coordinator owns the phase state machine. It is constructed once at boot
// and handed to each subsystem; there are no singletons.
type Coordinator struct {
	mu        sync.Mutex
	current   Phase
	changedAt time.Time
	waiters   map[Phase][]chan struct{}
	onChange  []func(from, to Phase)
}

// NewCoordinator creates a coordinator in the init phase.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		current:   PhaseInit,
		changedAt: time.Now(),
		waiters:   make(map[Phase][]chan struct{}),
	}
}

// Current returns the current phase.
func (c *Coordinator) Current() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Reached reports whether the given phase has been reached or passed.
func (c *Coordinator) Reached(p Phase) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return order[c.current] >= order[p]
}

// Advance moves the coordinator to the target phase. Only the next phase in
// the sequence is accepted.
func (c *Coordinator) Advance(target Phase) error {
	c.mu.Lock()
	if !c.current.CanTransitionTo(target) {
		cur := c.current
		c.mu.Unlock()
		return fmt.Errorf("invalid phase transition %s -> %s", cur, target)
	}
	from := c.current
	c.current = target
	c.changedAt = time.Now()

	// Release everyone waiting on this phase or an earlier one.
	var release []chan struct{}
	for phase, chans := range c.waiters {
		if order[phase] <= order[target] {
			release = append(release, chans...)
			delete(c.waiters, phase)
		}
	}
	callbacks := append([]func(from, to Phase){}, c.onChange...)
	c.mu.Unlock()

	for _, ch := range release {
		close(ch)
	}
	for _, fn := range callbacks {
		fn(from, target)
	}
	return nil
}

// Await blocks until the given phase is reached or the context is done.
// Reaching a later phase also releases the wait.
func (c *Coordinator) Await(ctx context.Context, p Phase) error {
	c.mu.Lock()
	if order[c.current] >= order[p] {
		c.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	c.waiters[p] = append(c.waiters[p], ch)
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnChange registers a callback invoked after every phase transition.
func (c *Coordinator) OnChange(fn func(from, to Phase)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Require returns an error unless the given phase has been reached. Used by
// subsystems to gate operations behind phase barriers.
func (c *Coordinator) Require(p Phase) error {
	if !c.Reached(p) {
		return fmt.Errorf("phase %s not reached (current: %s): %w", p, c.Current(), core.ErrNotReady)
	}
	return nil
}
