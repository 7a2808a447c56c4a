package procsvc

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_RunSync(t *testing.T) {
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var ran bool
	loop.RunSync(func() { ran = true })
	assert.True(t, ran)
}

func TestLoop_TimerFires(t *testing.T) {
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	id := uuid.New()
	fired := make(chan struct{})
	loop.ArmTimer(id, 10*time.Millisecond, func() { close(fired) })
	assert.True(t, loop.TimerArmed(id))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestLoop_StopTimerPreventsFire(t *testing.T) {
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	id := uuid.New()
	fired := make(chan struct{})
	loop.ArmTimer(id, 20*time.Millisecond, func() { close(fired) })
	loop.StopTimer(id)
	assert.False(t, loop.TimerArmed(id))

	select {
	case <-fired:
		t.Fatal("timer fired after being stopped")
	case <-time.After(80 * time.Millisecond):
	}
}

// TestLoop_HighPriorityDrainsFirst covers invariant I5: a burst of
// high-priority tasks never interleaves with a pending normal-priority task.
func TestLoop_HighPriorityDrainsFirst(t *testing.T) {
	loop := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var order []int
	done := make(chan struct{})

	// Queue before Run starts so all three are pending when dispatch begins.
	loop.Post(PriorityNormal, func() { order = append(order, 0) })
	loop.Post(PriorityHigh, func() { order = append(order, 1) })
	loop.Post(PriorityHigh, func() { order = append(order, 2) })
	loop.Post(PriorityNormal, func() {
		order = append(order, 3)
		close(done)
	})

	go loop.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop never drained the queue")
	}

	require.Len(t, order, 4)
	assert.ElementsMatch(t, []int{1, 2}, order[:2], "both high-priority tasks must run before any normal task")
}
