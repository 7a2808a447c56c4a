package procsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartSlots_BlocksAtCapacity(t *testing.T) {
	s := NewStartSlots(1)
	s.Acquire("a")
	assert.Equal(t, 1, s.Current())

	acquired := make(chan struct{})
	go func() {
		s.Acquire("b")
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should have blocked while at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release("a")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Acquire should have unblocked after Release")
	}
	assert.Equal(t, 1, s.Current())
	s.Release("b")
	assert.Equal(t, 0, s.Current())
}

func TestStartSlots_ReleaseNonOwnerPanics(t *testing.T) {
	s := NewStartSlots(2)
	assert.Panics(t, func() { s.Release("nobody") })
}

func TestStartSlots_DoubleAcquirePanics(t *testing.T) {
	s := NewStartSlots(2)
	s.Acquire("a")
	assert.Panics(t, func() { s.Acquire("a") })
}
