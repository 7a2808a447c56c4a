package procsvc

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Priority selects which of the loop's two dispatch queues a task lands on.
// Child-exit notifications always use PriorityHigh so that, by construction,
// they are handled before any ordinary (PriorityNormal) event that might
// otherwise act on a since-recycled pid — this is the Go translation of
// dasynq::DEFAULT_PRIORITY - 10 in start_ps_process (spec.md §4.2 step 5,
// §5 "Ordering guarantees", invariant I5).
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
)

// EventLoop is the external collaborator of spec.md §6: timers, fd
// watchers, and the child reaper. The core (Service) only ever talks to
// this interface, never to raw syscalls, so it can be driven by a fake in
// tests.
type EventLoop interface {
	// Now returns the current monotonic time.
	Now() time.Time

	// ArmTimer (re-)arms the named timer to fire fn after d, cancelling any
	// previously armed timer under the same id (invariant I3: a service has
	// exactly one timer identity shared by start/stop/restart-delay).
	ArmTimer(id uuid.UUID, d time.Duration, fn func())
	// StopTimer cancels a pending timer; a no-op if none is armed.
	StopTimer(id uuid.UUID)
	// TimerArmed reports whether id currently has a pending timer.
	TimerArmed(id uuid.UUID) bool

	// WatchChildExit spawns the watcher that reaps pid exactly once via
	// wait, then delivers fn(status) at PriorityHigh. It must be called
	// before the caller can possibly observe or signal pid through any
	// other path (spec.md §4.2 step 5).
	WatchChildExit(pid int, wait func() ExitStatus, fn func(ExitStatus))

	// WatchReadable spawns a one-shot watcher on f: it blocks on a single
	// Read and then delivers fn(closed) at PriorityNormal. closed is true
	// if the read observed EOF rather than data — both count as "readable"
	// for exec-status/readiness pipes (spec.md §4.2 steps 1 and 4).
	WatchReadable(f *os.File, fn func(closed bool))

	// Post schedules fn to run on the loop goroutine at the given priority.
	// Used to hand caller operations (bring_up/bring_down/...) and the
	// synchronous parts of the launch routine into the single-threaded
	// dispatch discipline described in spec.md §5.
	Post(p Priority, fn func())

	// RunSync posts fn and blocks the calling goroutine until it has run on
	// the loop goroutine. This is how callers
	// outside the loop (tests, a demo service-set) synchronously drive the
	// state machine while preserving single-threaded dispatch internally.
	RunSync(fn func())
}

// Loop is the concrete, single-goroutine EventLoop implementation. All
// mutation of any Service driven by a given Loop happens on Loop.Run's
// goroutine; everything else only ever posts tasks into it. This mirrors
// spec.md §5 ("Single-threaded cooperative... no internal concurrency
// inside a service") while still using goroutines+channels, which is how
// the teacher (processmgr) and the rest of the pack express concurrency in
// Go — the one dispatcher goroutine is the idiomatic analogue of dinit's
// dasynq event loop thread.
type Loop struct {
	log *zap.Logger

	high chan func()
	norm chan func()

	mu     sync.Mutex
	timers *timerHeap
	wake   chan struct{}
}

// NewLoop constructs an idle Loop. Call Run to start dispatching.
func NewLoop(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		log:    log.Named("eventloop"),
		high:   make(chan func(), 64),
		norm:   make(chan func(), 64),
		timers: newTimerHeap(),
		wake:   make(chan struct{}, 1),
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

func (l *Loop) ArmTimer(id uuid.UUID, d time.Duration, fn func()) {
	l.mu.Lock()
	l.timers.arm(id, time.Now().Add(d), fn)
	l.mu.Unlock()
	l.pokeWake()
}

func (l *Loop) StopTimer(id uuid.UUID) {
	l.mu.Lock()
	l.timers.stop(id)
	l.mu.Unlock()
	l.pokeWake()
}

func (l *Loop) TimerArmed(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timers.armed(id)
}

func (l *Loop) pokeWake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) WatchChildExit(pid int, wait func() ExitStatus, fn func(ExitStatus)) {
	go func() {
		status := wait()
		l.Post(PriorityHigh, func() { fn(status) })
	}()
}

func (l *Loop) WatchReadable(f *os.File, fn func(closed bool)) {
	go func() {
		buf := make([]byte, 1)
		n, err := f.Read(buf)
		closed := n == 0 || err != nil
		l.Post(PriorityNormal, func() { fn(closed) })
	}()
}

func (l *Loop) Post(p Priority, fn func()) {
	switch p {
	case PriorityHigh:
		l.high <- fn
	default:
		l.norm <- fn
	}
}

func (l *Loop) RunSync(fn func()) {
	done := make(chan struct{})
	l.Post(PriorityNormal, func() {
		defer close(done)
		fn()
	})
	<-done
}

// Run dispatches tasks until ctx is cancelled. High-priority tasks are
// always fully drained before a normal-priority task or timer fires, per
// the ordering guarantee in spec.md §5.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if l.drainHigh(ctx) {
			return ctx.Err()
		}

		timer := time.NewTimer(l.nextTimerDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case fn := <-l.high:
			timer.Stop()
			fn()
		case fn := <-l.norm:
			timer.Stop()
			// select chooses at random when both queues are ready, so run any
			// high-priority task that arrived alongside fn first.
			l.drainHigh(context.Background())
			fn()
		case <-l.wake:
			timer.Stop()
		case <-timer.C:
			l.drainHigh(context.Background())
			l.fireDueTimers()
		}
	}
}

// drainHigh runs every currently-queued high-priority task before returning,
// so a burst of child-exit events never interleaves with a normal task.
func (l *Loop) drainHigh(ctx context.Context) (cancelled bool) {
	for {
		select {
		case <-ctx.Done():
			return true
		case fn := <-l.high:
			fn()
			continue
		default:
			return false
		}
	}
}

func (l *Loop) nextTimerDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.timers.next()
	if !ok {
		return time.Hour
	}
	d := time.Until(ev.when)
	if d < 0 {
		return 0
	}
	return d
}

func (l *Loop) fireDueTimers() {
	now := time.Now()
	for {
		l.mu.Lock()
		ev, ok := l.timers.next()
		if !ok || ev.when.After(now) {
			l.mu.Unlock()
			return
		}
		ev = l.timers.pop()
		l.mu.Unlock()
		ev.fn()
	}
}
