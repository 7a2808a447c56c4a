package procsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestGovernor_RestartRateLimit covers scenario S4: restart_delay = 0,
// restart_interval = 10s, max_restart_interval_count = 3 — the 4th restart
// within the window is denied.
func TestGovernor_RestartRateLimit(t *testing.T) {
	g := newRestartGovernor(Timers{
		RestartDelay:            0,
		RestartInterval:         10 * time.Second,
		MaxRestartIntervalCount: 3,
	})

	base := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		now := base.Add(time.Duration(i) * time.Millisecond)
		assert.True(t, g.allow(now), "restart %d should be allowed", i+1)
		g.record(now)
	}

	fourth := base.Add(4 * time.Millisecond)
	assert.False(t, g.allow(fourth), "4th restart within the window must be denied")
}

// TestGovernor_RestartDelay covers scenario S5: restart_delay = 200ms, no
// relaunch allowed before the delay elapses, exactly one at 200ms.
func TestGovernor_RestartDelay(t *testing.T) {
	g := newRestartGovernor(Timers{
		RestartDelay:            200 * time.Millisecond,
		RestartInterval:         10 * time.Second,
		MaxRestartIntervalCount: 3,
	})

	t0 := time.Unix(1700000000, 0)
	g.record(t0)

	before := t0.Add(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, g.delay(before))

	at := t0.Add(200 * time.Millisecond)
	assert.Equal(t, time.Duration(0), g.delay(at))
}

// TestGovernor_WindowRolls verifies that once RestartInterval has elapsed,
// prune drops stale history and the count resets.
func TestGovernor_WindowRolls(t *testing.T) {
	g := newRestartGovernor(Timers{
		RestartDelay:            0,
		RestartInterval:         10 * time.Second,
		MaxRestartIntervalCount: 1,
	})

	t0 := time.Unix(1700000000, 0)
	g.record(t0)
	assert.False(t, g.allow(t0.Add(time.Second)))

	later := t0.Add(11 * time.Second)
	assert.True(t, g.allow(later))
}

// TestGovernor_ResetClearsHistory verifies reset clears the restart
// accounting, as BringUp relies on before a fresh launch.
func TestGovernor_ResetClearsHistory(t *testing.T) {
	g := newRestartGovernor(Timers{
		RestartDelay:            0,
		RestartInterval:         10 * time.Second,
		MaxRestartIntervalCount: 1,
	})
	t0 := time.Unix(1700000000, 0)
	g.record(t0)
	g.reset()
	assert.True(t, g.allow(t0.Add(time.Millisecond)))
}
