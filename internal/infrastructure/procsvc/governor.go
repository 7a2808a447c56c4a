package procsvc

import "time"

// restartGovernor implements the moving-window restart-rate limiter of
// spec.md §4.4: a service may restart up to MaxRestartIntervalCount times
// within any RestartInterval window, and consecutive restarts are never
// closer together than RestartDelay regardless of the window count.
//
// Adapted from the window-accounting idea in processmgr's process_manager2.go
// (which tracked a simple restart counter per pid) but generalised to a real
// sliding window, since the distilled core requires one (invariant I4).
type restartGovernor struct {
	timers Timers

	// history holds the timestamps of restarts that are still inside the
	// window, oldest first. Entries older than RestartInterval are dropped
	// lazily on the next check.
	history []time.Time
}

func newRestartGovernor(t Timers) *restartGovernor {
	return &restartGovernor{timers: t}
}

// allow reports whether a restart may proceed right now, given the prior
// restart history. It does not itself record the restart; doRestart calls
// record when it attempts the restart, before relaunching.
func (g *restartGovernor) allow(now time.Time) bool {
	g.prune(now)
	if g.timers.MaxRestartIntervalCount <= 0 {
		return true
	}
	return len(g.history) < g.timers.MaxRestartIntervalCount
}

// record appends a restart at now, ready for the next allow/delay check.
func (g *restartGovernor) record(now time.Time) {
	g.history = append(g.history, now)
}

// delay returns how long the caller must still wait before the next restart
// is allowed to fire, honouring both RestartDelay (always, against the most
// recent restart) and the window limit (if the window is currently full,
// against its oldest member ageing out).
func (g *restartGovernor) delay(now time.Time) time.Duration {
	g.prune(now)

	d := time.Duration(0)
	if len(g.history) > 0 {
		last := g.history[len(g.history)-1]
		if wait := g.timers.RestartDelay - now.Sub(last); wait > d {
			d = wait
		}
	}

	if g.timers.MaxRestartIntervalCount > 0 && len(g.history) >= g.timers.MaxRestartIntervalCount {
		oldest := g.history[0]
		untilSlot := g.timers.RestartInterval - now.Sub(oldest)
		if untilSlot > d {
			d = untilSlot
		}
	}

	if d < 0 {
		d = 0
	}
	return d
}

// prune drops history entries that have aged out of the restart window.
func (g *restartGovernor) prune(now time.Time) {
	if g.timers.RestartInterval <= 0 {
		return
	}
	cutoff := now.Add(-g.timers.RestartInterval)
	i := 0
	for i < len(g.history) && g.history[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		g.history = g.history[i:]
	}
}

// reset clears all restart history. BringUp calls it before a fresh launch,
// and restartProcess calls it when the restart window has elapsed.
func (g *restartGovernor) reset() {
	g.history = g.history[:0]
}
