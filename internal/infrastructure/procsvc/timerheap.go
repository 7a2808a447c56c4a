package procsvc

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// timerEntry is a single armed timer. index is kept current by the heap's
// Swap/Push/Pop so a timer can be cancelled or re-armed in O(log n) via
// heap.Remove without a linear scan.
//
// Adapted from processmgr's scheduler.go (schedEvent/eventHeap), which did
// the same thing keyed by an int64 process id; here the key is a watcher
// uuid.UUID, since a service's three logical timers (start/stop/restart
// delay) all share one slot in this heap (spec.md invariant I3).
type timerEntry struct {
	id    uuid.UUID
	when  time.Time
	fn    func()
	index int
}

type timerHeap struct {
	h       entryHeap
	entries map[uuid.UUID]*timerEntry
}

func newTimerHeap() *timerHeap {
	return &timerHeap{entries: make(map[uuid.UUID]*timerEntry)}
}

// arm inserts or replaces the timer for id. Re-arming an id that already has
// a pending timer drops the old one first, matching spec.md's single
// shared-timer-per-service model.
func (s *timerHeap) arm(id uuid.UUID, when time.Time, fn func()) {
	if old, ok := s.entries[id]; ok {
		heap.Remove(&s.h, old.index)
		delete(s.entries, id)
	}
	ev := &timerEntry{id: id, when: when, fn: fn}
	s.entries[id] = ev
	heap.Push(&s.h, ev)
}

// stop cancels the pending timer for id, if any.
func (s *timerHeap) stop(id uuid.UUID) {
	ev, ok := s.entries[id]
	if !ok {
		return
	}
	heap.Remove(&s.h, ev.index)
	delete(s.entries, id)
}

// armed reports whether id currently has a pending timer.
func (s *timerHeap) armed(id uuid.UUID) bool {
	_, ok := s.entries[id]
	return ok
}

// next returns the soonest pending timer without removing it.
func (s *timerHeap) next() (*timerEntry, bool) {
	if len(s.h) == 0 {
		return nil, false
	}
	return s.h[0], true
}

// pop removes and returns the soonest timer.
func (s *timerHeap) pop() *timerEntry {
	ev := heap.Pop(&s.h).(*timerEntry)
	delete(s.entries, ev.id)
	return ev
}

type entryHeap []*timerEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	ev := x.(*timerEntry)
	ev.index = len(*h)
	*h = append(*h, ev)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	ev.index = -1
	*h = old[:n-1]
	return ev
}
