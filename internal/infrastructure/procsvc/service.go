package procsvc

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Service is the per-service state machine of spec.md §3–§4.3. All of its
// exported methods are intended to run on the owning EventLoop's dispatch
// goroutine — either because the loop itself calls them from a watcher
// callback, or because an external caller reached them through
// EventLoop.RunSync/Post. There is no internal locking: single-threaded
// cooperative dispatch is the concurrency model (spec.md §5), not mutual
// exclusion.
type Service struct {
	cfg  Config
	log  *zap.Logger
	loop EventLoop
	set  ServiceSet

	timerID uuid.UUID

	governor *restartGovernor
	output   *outputBuffer

	state      State
	pid        int
	stopReason StoppedReason

	lastStartTime       time.Time
	restartIntervalTime time.Time

	restarting          bool
	waitingForDeps      bool
	waitingRestartTimer bool
	stopTimerArmed      bool
	waitingForExecStat  bool
	reservedChildWatch  bool
	trackingChild       bool
	haveConsole         bool

	activationSocket *net.UnixListener
	readyRead        *os.File
	controlConn      *os.File

	// cancelledStart is set while STOPPING was entered via InterruptStart
	// rather than BringDown, so handleChildExit knows to report
	// FAILEDSTART/STARTCANCELLED instead of STOPPED once the child is
	// finally reaped (spec.md scenario S3).
	cancelledStart bool
}

// NewService constructs a service in STOPPED, as the loader would
// (spec.md §3 "Lifecycle").
func NewService(cfg Config, log *zap.Logger, loop EventLoop, set ServiceSet) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if set == nil {
		set = NoopServiceSet{}
	}
	// Only the restart-window fields fall back to base_process_service's
	// defaults when unset; StartTimeout/StopTimeout are independent knobs
	// and must survive untouched even when a caller leaves the restart
	// window at its zero value.
	timers := cfg.Timers
	if timers.RestartInterval == 0 && timers.MaxRestartIntervalCount == 0 && timers.RestartDelay == 0 {
		def := DefaultTimers()
		timers.RestartDelay = def.RestartDelay
		timers.RestartInterval = def.RestartInterval
		timers.MaxRestartIntervalCount = def.MaxRestartIntervalCount
		cfg.Timers = timers
	}
	return &Service{
		cfg:      cfg,
		log:      log.Named("service").Named(cfg.Name),
		loop:     loop,
		set:      set,
		timerID:  uuid.New(),
		governor: newRestartGovernor(timers),
		output:   &outputBuffer{},
		state:    Stopped,
		pid:      -1,
	}
}

func (s *Service) Name() string              { return s.cfg.Name }
func (s *Service) State() State              { return s.state }
func (s *Service) Pid() int                  { return s.pid }
func (s *Service) StopReason() StoppedReason { return s.stopReason }
func (s *Service) OutputTail(n int) []string { return s.output.Tail(n) }

// BringUp implements bring_up (spec.md §4.3). Outside a pending restart it
// moves the service into STARTING itself before launching.
func (s *Service) BringUp() bool {
	if s.restarting && s.pid == -1 {
		return s.restartProcess()
	}

	s.state = Starting

	if s.cfg.SocketPath != "" {
		sock, err := openActivationSocket(s.cfg, s.activationSocket)
		if err != nil {
			s.log.Error("activation socket setup failed", zap.Error(err))
			s.failedToStart(ReasonExecFailed)
			return false
		}
		s.activationSocket = sock
	}

	s.governor.reset()
	s.haveConsole = s.cfg.Flags.RunsOnConsole || s.cfg.Flags.SharesConsole

	if !s.doLaunch() {
		s.failedToStart(s.stopReason)
		return false
	}

	s.lastStartTime = s.loop.Now()
	s.restartIntervalTime = s.lastStartTime

	if s.cfg.Type != Process && s.cfg.Timers.StartTimeout > 0 {
		s.armTimer(s.cfg.Timers.StartTimeout)
	} else if s.cfg.Type == Process {
		// PROCESS services are considered started as soon as launch
		// returns, unless a readiness notification is configured.
		if !s.cfg.Notify.enabled() {
			s.transitionStarted()
		}
	}

	return true
}

// doLaunch runs the launch routine and wires its watchers. On failure it
// only latches stopReason = EXECFAILED and returns false; it deliberately
// does not transition state or notify the set, since BringUp and doRestart
// each report a launch failure differently (spec.md §4.3, §4.4).
func (s *Service) doLaunch() bool {
	res, failure := launch(s.cfg, s.haveConsole, nil, s.activationSocket, s.output)
	if failure != nil {
		s.log.Error("launch failed", zap.Error(failure.err))
		s.stopReason = ReasonExecFailed
		return false
	}

	s.pid = res.pid
	s.readyRead = res.readyRead
	s.controlConn = res.controlConn
	s.waitingForExecStat = false // Go's Start() already resolved exec status synchronously
	s.reservedChildWatch = true
	s.trackingChild = true

	s.log.Info("process started", zap.Int("pid", s.pid))

	// Watch for the child's exit at high priority (spec.md §4.2 step 5,
	// invariant I5): this goroutine's wait() is the only place pid is
	// reaped, so once it fires pid can never again be signalled.
	pid := s.pid
	s.loop.WatchChildExit(pid, func() ExitStatus {
		var ws unix.WaitStatus
		_, _ = unix.Wait4(pid, &ws, 0, nil)
		return NewExitStatus(ws)
	}, func(status ExitStatus) {
		s.handleChildExit(status)
	})

	if s.readyRead != nil {
		rr := s.readyRead
		s.loop.WatchReadable(rr, func(closed bool) {
			s.handleReadiness()
		})
	}

	return true
}

// runStopCommand launches Config.StopArgv in place of kill_pg for a
// SCRIPTED service's stop phase (spec.md §3: "distinct start and stop
// commands"). The stop command becomes the tracked child exactly as the
// start command was: handleChildExit's Stopping case doesn't care which
// command it is watching, only that the watched pid has exited, so this
// is a one-shot action the same as the start command's (spec.md §3 treats
// SCRIPTED as a run-to-completion action, not a persisting daemon).
func (s *Service) runStopCommand() {
	stopCfg := s.cfg
	stopCfg.Argv = s.cfg.StopArgv
	stopCfg.Notify = NotifyConfig{}
	stopCfg.SocketPath = ""
	stopCfg.Flags.PassControlSocketFD = false

	res, failure := launch(stopCfg, false, nil, nil, s.output)
	if failure != nil {
		s.log.Error("stop command failed to launch", zap.Error(failure.err))
		// Nothing new to wait on; fall back to signalling whatever the
		// service's own tracked pid still is, same as a non-scripted stop.
		s.killPg(syscall.SIGINT)
		return
	}

	s.pid = res.pid
	s.log.Info("stop command started", zap.Int("pid", s.pid))

	pid := s.pid
	s.loop.WatchChildExit(pid, func() ExitStatus {
		var ws unix.WaitStatus
		_, _ = unix.Wait4(pid, &ws, 0, nil)
		return NewExitStatus(ws)
	}, func(status ExitStatus) {
		s.handleChildExit(status)
	})
}

// transitionStarted promotes STARTING -> STARTED and notifies the set.
func (s *Service) transitionStarted() {
	s.state = Started
	s.log.Info("service started")
	s.set.Notify(s, EventStarted)
	s.set.ProcessQueues()
}

// handleReadiness implements handle_readiness (spec.md §4.3): promotes
// STARTING -> STARTED once the child signals readiness. Exec status has
// already indicated success by construction here — per SPEC_FULL.md §E.2,
// launch only reaches the point of registering a readiness watcher after
// (*exec.Cmd).Start has returned without error.
func (s *Service) handleReadiness() {
	if s.state != Starting {
		return
	}
	s.stopTimer()
	s.transitionStarted()
}

// handleChildExit implements handle_child_exit (spec.md §4.3).
func (s *Service) handleChildExit(status ExitStatus) {
	s.reservedChildWatch = false
	s.trackingChild = false
	s.pid = -1

	switch s.state {
	case Stopping:
		s.stopTimer()
		s.state = Stopped
		s.closeLaunchFDs()

		if s.cancelledStart {
			s.cancelledStart = false
			if s.stopReason == ReasonTimedOut {
				s.log.Warn("service failed to start", zap.String("reason", s.stopReason.String()))
				s.set.Notify(s, EventFailedStart)
			} else {
				s.log.Info("start cancelled")
				s.set.Notify(s, EventStartCancelled)
			}
			s.set.ProcessQueues()
			return
		}

		s.log.Info("service stopped", zap.String("reason", s.stopReason.String()))
		s.set.Notify(s, EventStopped)
		s.set.ProcessQueues()

	case Starting:
		// A SCRIPTED start command is one-shot (spec.md §3): it is expected
		// to run to completion, not linger, so a clean exit here is success
		// rather than a premature death — unlike PROCESS/BGPROCESS, where
		// reaching this watcher at all means the child died before it could
		// signal readiness.
		if s.cfg.Type == Scripted && status.DidExitClean() {
			s.transitionStarted()
			return
		}
		// Reaching STARTING's child-exit path otherwise means the child ran
		// (a pre-exec resource failure would have been caught synchronously
		// by launch and never reached this watcher) and then exited before
		// being promoted to STARTED, clean or not — spec.md's FAILED reason
		// covers both ("child ran but failed to start").
		s.failedToStart(ReasonFailed)

	case Started:
		if s.cfg.AutoRestart {
			s.stopReason = ReasonTerminated
			s.smoothRecovery()
			return
		}
		s.stopReason = ReasonTerminated
		s.closeLaunchFDs()
		s.state = Stopped
		s.set.Notify(s, EventStopped)
		s.set.ProcessQueues()

	default:
		s.closeLaunchFDs()
		s.state = Stopped
		s.set.Notify(s, EventStopped)
		s.set.ProcessQueues()
	}
}

// failedToStart latches reason and reports FAILEDSTART while in STARTING.
func (s *Service) failedToStart(reason StoppedReason) {
	s.stopReason = reason
	s.closeLaunchFDs()
	s.state = Stopped
	s.log.Warn("service failed to start", zap.String("reason", reason.String()))
	s.set.Notify(s, EventFailedStart)
	s.set.ProcessQueues()
}

// smoothRecovery implements the STARTED-with-auto_restart branch of
// handle_child_exit by deferring to the governor (spec.md §4.4's
// restart_ps_process, invoked here as the "smooth recovery" path named in
// the glossary).
func (s *Service) smoothRecovery() {
	s.restarting = true
	if !s.restartProcess() {
		s.restarting = false
		s.closeLaunchFDs()
		s.state = Stopped
		s.log.Warn("restart denied by governor; service stopped", zap.String("reason", s.stopReason.String()))
		s.set.Notify(s, EventStopped)
		s.set.ProcessQueues()
	}
}

// restartProcess implements restart_ps_process (spec.md §4.4).
func (s *Service) restartProcess() bool {
	now := s.loop.Now()

	if s.cfg.Timers.MaxRestartIntervalCount > 0 && now.Sub(s.restartIntervalTime) < s.cfg.Timers.RestartInterval {
		if !s.governor.allow(now) {
			s.log.Warn("restarting too quickly")
			return false
		}
	} else {
		s.restartIntervalTime = now
		s.governor.reset()
	}

	if now.Sub(s.lastStartTime) >= s.cfg.Timers.RestartDelay {
		s.doRestart()
		return true
	}

	d := s.cfg.Timers.RestartDelay - now.Sub(s.lastStartTime)
	s.waitingRestartTimer = true
	s.loop.ArmTimer(s.timerID, d, s.timerExpired)
	return true
}

// doRestart implements do_restart (spec.md §4.4).
func (s *Service) doRestart() {
	s.waitingRestartTimer = false
	s.governor.record(s.loop.Now())

	if s.state == Starting && !s.set.DepsStarted(s) {
		s.waitingForDeps = true
		return
	}

	ok := s.doLaunch()
	if !ok {
		s.restarting = false
		if s.state == Starting {
			// failedToStart also transitions to STOPPED and calls
			// ProcessQueues, so nothing further is needed here.
			s.failedToStart(s.stopReason)
			return
		}
		s.closeLaunchFDs()
		s.state = Stopped
		s.set.Notify(s, EventStopped)
		s.set.ProcessQueues()
		return
	}

	s.lastStartTime = s.loop.Now()
	s.restarting = false
}

// BringDown implements bring_down (spec.md §4.3).
func (s *Service) BringDown() {
	if s.waitingRestartTimer {
		s.stopTimer()
		s.waitingRestartTimer = false
		s.state = Stopped
		s.set.Notify(s, EventStopped)
		s.set.ProcessQueues()
		return
	}

	s.log.Info("stopping service")
	s.stopReason = ReasonNormal

	if s.cfg.Type == Scripted && len(s.cfg.StopArgv) > 0 {
		s.runStopCommand()
	} else {
		s.killPg(syscall.SIGINT)
	}

	if s.cfg.Timers.StopTimeout > 0 {
		s.armTimer(s.cfg.Timers.StopTimeout)
		s.stopTimerArmed = true
	} else {
		s.stopTimer()
	}

	s.state = Stopping
}

// InterruptStart cancels a start in progress (spec.md §4.3's
// bring_down/interrupt_start pairing). The service remains STOPPING until
// the child is reaped; the FAILEDSTART/STARTCANCELLED notification is
// deferred to handleChildExit so a recycled pid is never signalled in the
// meantime (spec.md scenario S3).
func (s *Service) InterruptStart() {
	s.log.Info("start interrupted")
	s.cancelledStart = true
	s.killPg(syscall.SIGINT)
	if s.cfg.Timers.StopTimeout > 0 {
		s.armTimer(s.cfg.Timers.StopTimeout)
		s.stopTimerArmed = true
	}
	s.state = Stopping
}

// killWithFire implements kill_with_fire (spec.md §4.3): escalate to
// SIGKILL once the stop timeout has fired. It does not touch stop_reason —
// whatever reason was latched when STOPPING began (NORMAL, or TIMEDOUT from
// a start-timeout-triggered interrupt_start) survives into the eventual
// child-exit (spec.md scenario S6).
func (s *Service) killWithFire() {
	if s.state != Stopping || s.pid == -1 {
		return
	}
	s.log.Warn("stop timeout expired; sending SIGKILL")
	s.killPg(syscall.SIGKILL)
}

// timerExpired implements timer_expired (spec.md §4.3): the single
// demultiplexer for the per-service shared timer.
func (s *Service) timerExpired() {
	s.stopTimerArmed = false
	s.waitingRestartTimer = false

	switch {
	case s.state == Stopping:
		s.killWithFire()
	case s.pid != -1:
		s.stopReason = ReasonTimedOut
		s.InterruptStart()
	default:
		s.doRestart()
	}
}

// NotifyForked is the BGPROCESS pid-file-handshake seam (SPEC_FULL.md §E.1):
// an external pid-file watcher calls this once it has read the child's
// reported pid, promoting STARTING -> STARTED exactly as a PROCESS-type
// readiness notification would.
func (s *Service) NotifyForked(pid int) {
	if s.cfg.Type != BGProcess || s.state != Starting {
		return
	}
	s.pid = pid
	s.transitionStarted()
}

// becomingInactive implements becoming_inactive (spec.md §4.3): close the
// persistent activation socket once the service set no longer needs it.
func (s *Service) becomingInactive() {
	if err := closeActivationSocket(s.cfg, s.activationSocket); err != nil {
		s.log.Warn("activation socket close failed", zap.Error(err))
	}
	s.activationSocket = nil
}

// killPg implements kill_pg (spec.md §4.5).
func (s *Service) killPg(sig syscall.Signal) {
	if s.pid <= 0 {
		return
	}
	if s.cfg.Flags.SignalProcessOnly {
		_ = syscall.Kill(s.pid, sig)
		return
	}
	pgid, err := unix.Getpgid(s.pid)
	if err != nil {
		// Lookup denied (cross-session target on some OSes): fall back to
		// treating pid as its own pgid, per the OpenBSD portability note
		// carried over from the original (SPEC_FULL.md §C.3).
		pgid = s.pid
	}
	_ = syscall.Kill(-pgid, sig)
}

func (s *Service) armTimer(d time.Duration) {
	s.loop.ArmTimer(s.timerID, d, s.timerExpired)
}

func (s *Service) stopTimer() {
	s.loop.StopTimer(s.timerID)
	s.stopTimerArmed = false
}

// closeLaunchFDs releases the parent-side ends of whatever this launch
// attempt's auxiliary channels were, once the child is confirmed dead.
func (s *Service) closeLaunchFDs() {
	if s.readyRead != nil {
		s.readyRead.Close()
		s.readyRead = nil
	}
	if s.controlConn != nil {
		s.controlConn.Close()
		s.controlConn = nil
	}
}

func (s *Service) String() string {
	return fmt.Sprintf("Service(%s, state=%s, pid=%d)", s.cfg.Name, s.state, s.pid)
}
