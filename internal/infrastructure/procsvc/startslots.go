package procsvc

import "sync"

// StartSlots is a fixed-capacity semaphore with explicit ownership,
// used by a multi-service caller to bound how many services may be
// concurrently in STARTING at once (a "boot storm" limiter sitting above
// any single Service). Not itself part of the per-service state machine —
// spec.md scopes dependency/concurrency scheduling to the service set — but
// a natural piece of supporting infrastructure for one.
//
// Adapted from processmgr's slotPool: same cond-variable semaphore with an
// explicit ownership table, re-keyed by service name instead of a
// synthetic int64 pid.
type StartSlots struct {
	mu         sync.Mutex
	cond       *sync.Cond
	maxCap     int
	usage      int
	acquiredBy map[string]struct{}
}

// NewStartSlots initializes the limiter with the given concurrency cap.
func NewStartSlots(max int) *StartSlots {
	s := &StartSlots{
		maxCap:     max,
		acquiredBy: make(map[string]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a slot is free and registers name as the owner.
func (s *StartSlots) Acquire(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, holds := s.acquiredBy[name]; holds {
		panic("startslots: " + name + " already holds a slot")
	}
	for s.usage >= s.maxCap {
		s.cond.Wait()
	}
	s.usage++
	s.acquiredBy[name] = struct{}{}
}

// Release frees the slot held by name.
func (s *StartSlots) Release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, holds := s.acquiredBy[name]; !holds {
		panic("startslots: release for non-owner " + name)
	}
	delete(s.acquiredBy, name)
	s.usage--
	s.cond.Signal()
}

// Current reports how many slots are currently held.
func (s *StartSlots) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}
