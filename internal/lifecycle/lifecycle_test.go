package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/entity_layer/internal/core"
)

func TestAdvanceSequence(t *testing.T) {
	c := NewCoordinator()
	assert.Equal(t, PhaseInit, c.Current())

	require.NoError(t, c.Advance(PhaseDBReady))
	require.NoError(t, c.Advance(PhaseComponentsReady))
	require.NoError(t, c.Advance(PhaseAppReady))
	assert.Equal(t, PhaseAppReady, c.Current())
}

func TestAdvanceRejectsSkips(t *testing.T) {
	c := NewCoordinator()
	assert.Error(t, c.Advance(PhaseComponentsReady))
	assert.Error(t, c.Advance(PhaseAppReady))

	require.NoError(t, c.Advance(PhaseDBReady))
	assert.Error(t, c.Advance(PhaseDBReady)) // no self-transitions
	assert.Error(t, c.Advance(PhaseInit))    // no going back
}

func TestReached(t *testing.T) {
	c := NewCoordinator()
	assert.True(t, c.Reached(PhaseInit))
	assert.False(t, c.Reached(PhaseDBReady))

	require.NoError(t, c.Advance(PhaseDBReady))
	require.NoError(t, c.Advance(PhaseComponentsReady))
	assert.True(t, c.Reached(PhaseDBReady))
	assert.True(t, c.Reached(PhaseComponentsReady))
	assert.False(t, c.Reached(PhaseAppReady))
}

func TestAwaitReleasesOnAdvance(t *testing.T) {
	c := NewCoordinator()

	done := make(chan error, 1)
	go func() {
		done <- c.Await(context.Background(), PhaseComponentsReady)
	}()

	require.NoError(t, c.Advance(PhaseDBReady))
	select {
	case <-done:
		t.Fatal("await released before phase reached")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, c.Advance(PhaseComponentsReady))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("await did not release")
	}
}

func TestAwaitAlreadyReached(t *testing.T) {
	c := NewCoordinator()
	require.NoError(t, c.Advance(PhaseDBReady))
	require.NoError(t, c.Await(context.Background(), PhaseDBReady))
}

func TestAwaitContextCancel(t *testing.T) {
	c := NewCoordinator()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Await(ctx, PhaseAppReady)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequire(t *testing.T) {
	c := NewCoordinator()
	assert.ErrorIs(t, c.Require(PhaseComponentsReady), core.ErrNotReady)

	require.NoError(t, c.Advance(PhaseDBReady))
	require.NoError(t, c.Advance(PhaseComponentsReady))
	assert.NoError(t, c.Require(PhaseComponentsReady))
}

func TestOnChange(t *testing.T) {
	c := NewCoordinator()
	var transitions []Phase
	c.OnChange(func(from, to Phase) {
		transitions = append(transitions, to)
	})

	require.NoError(t, c.Advance(PhaseDBReady))
	require.NoError(t, c.Advance(PhaseComponentsReady))
	assert.Equal(t, []Phase{PhaseDBReady, PhaseComponentsReady}, transitions)
}
