package procsvc

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// launchResult is what the launch routine hands back to the state machine:
// a running child plus the parent-side ends of whatever auxiliary channels
// were requested.
type launchResult struct {
	cmd *exec.Cmd
	pid int

	// readyRead is the parent-side end of the readiness-notification pipe,
	// nil unless Config.Notify.enabled().
	readyRead *os.File

	// controlConn is the parent-side end of the control-socket pair, nil
	// unless Flags.PassControlSocketFD.
	controlConn *os.File
}

// launchFailure classifies why a launch attempt failed, mirroring
// stop_reason's EXECFAILED/FAILED split (spec.md §4.2, §7).
type launchFailure struct {
	execFailed bool // true if exec.Start failed (see classifyStartError) or a post-Start step did; false for setup failures before Start
	err        error
}

func (f *launchFailure) Error() string { return f.err.Error() }
func (f *launchFailure) Unwrap() error { return f.err }

// scopedAcquire is the Go analogue of the goto-based rollback the original
// launch routine used (spec.md §9): every resource acquired during a launch
// attempt registers a release func in one of two buckets. survive resources
// are parent-side ends that outlive launch itself (the readiness pipe's read
// end, the control socket's parent end) — on failure they close like
// everything else, but a successful Start leaves them open for the caller.
// alwaysClose resources are child-side or transient (the log file, the
// notify pipe's write end, the control socket's child end, the activation
// socket fd dup) and must close once fork+exec has happened, win or lose —
// mirroring the original's explicit bp_sys::close of the child-side fds in
// the parent right after a successful fork (baseproc_service.cpp).
type scopedAcquire struct {
	survive     []func()
	alwaysClose []func()
}

func (s *scopedAcquire) onSurvive(release func()) { s.survive = append(s.survive, release) }

func (s *scopedAcquire) onAlwaysClose(release func()) { s.alwaysClose = append(s.alwaysClose, release) }

// rollback runs when launch aborts before (or because) Start failed: both
// buckets close since there is no service for the survive resources to
// survive into.
func (s *scopedAcquire) rollback() {
	for i := len(s.alwaysClose) - 1; i >= 0; i-- {
		s.alwaysClose[i]()
	}
	for i := len(s.survive) - 1; i >= 0; i-- {
		s.survive[i]()
	}
	s.alwaysClose = nil
	s.survive = nil
}

// commit runs once Start has succeeded: alwaysClose resources close now that
// the child owns its copies across the exec; survive resources are left
// alone for the caller to hold onto.
func (s *scopedAcquire) commit() {
	for i := len(s.alwaysClose) - 1; i >= 0; i-- {
		s.alwaysClose[i]()
	}
	s.alwaysClose = nil
	s.survive = nil
}

// launch implements start_ps_process (spec.md §4.2). The self-pipe/errno
// exec-status trick of the original is performed for us by the Go runtime
// inside (*exec.Cmd).Start: it forks, execs, and — if exec itself fails —
// returns a classified error synchronously rather than requiring us to poll
// a pipe. launch therefore treats Start's error as the exec-status payload
// (see SPEC_FULL.md §E.2) instead of opening a literal status pipe.
//
// sock is the service's already-open activation socket listener, or nil;
// opening and retaining it across launches is bring_up's job (service.go),
// not launch's — launch only borrows its fd for the duration of the fork.
//
// output, if non-nil, additionally receives every complete line the child
// writes to stdout/stderr (spec.md §4.2's captured-output step), tee'd
// alongside the log file rather than replacing it.
func launch(cfg Config, onConsole bool, extraEnv []string, sock *net.UnixListener, output *outputBuffer) (*launchResult, *launchFailure) {
	var scope scopedAcquire

	if len(cfg.Argv) == 0 {
		return nil, &launchFailure{err: fmt.Errorf("empty command")}
	}

	logFile, err := openLogFile(cfg.LogFile)
	if err != nil {
		return nil, &launchFailure{err: fmt.Errorf("open log file: %w", err)}
	}
	scope.onAlwaysClose(func() { logFile.Close() })

	env, err := buildEnv(cfg, extraEnv)
	if err != nil {
		scope.rollback()
		return nil, &launchFailure{err: fmt.Errorf("build environment: %w", err)}
	}

	cmd := exec.Command(cfg.Argv[0], cfg.Argv[1:]...)
	cmd.Env = env
	cmd.Dir = cfg.WorkingDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if output != nil {
		// Separate line writers per stream: each keeps its own partial-line
		// state, so an interleaved stdout/stderr write never splices two
		// streams' output into one garbled line in the tail buffer.
		cmd.Stdout = io.MultiWriter(logFile, newLineWriter(output))
		cmd.Stderr = io.MultiWriter(logFile, newLineWriter(output))
	}

	attr := &syscall.SysProcAttr{}
	if !cfg.Flags.SignalProcessOnly {
		// A new process group lets kill_pg signal the whole subtree by
		// negated pgid even when the service itself doesn't double-fork
		// into a new session (spec.md §4.5).
		attr.Setpgid = true
	}
	if cfg.Credentials.UID != nil || cfg.Credentials.GID != nil {
		attr.Credential = &syscall.Credential{}
		if cfg.Credentials.UID != nil {
			attr.Credential.Uid = *cfg.Credentials.UID
		}
		if cfg.Credentials.GID != nil {
			attr.Credential.Gid = *cfg.Credentials.GID
		}
	}
	if onConsole && cfg.Flags.RunsOnConsole {
		// Hand the controlling terminal to the child's process group,
		// mirroring the original's after_fork tcsetpgrp handoff
		// (original_source on_console discipline, SPEC_FULL.md §C.2).
		attr.Setctty = true
		attr.Ctty = 0
	}
	cmd.SysProcAttr = attr

	var readyParent *os.File
	if cfg.Notify.enabled() {
		r, w, err := os.Pipe()
		if err != nil {
			scope.rollback()
			return nil, &launchFailure{err: fmt.Errorf("readiness pipe: %w", err)}
		}
		scope.onSurvive(func() { r.Close() })
		scope.onAlwaysClose(func() { w.Close() })
		readyParent = r

		// A forced fd number pins the pipe to an exact child fd; since
		// ExtraFiles[i] always lands at fd 3+i, padding with /dev/null
		// fillers is the only way to land on anything past the next free
		// slot (spec.md: "the fixed-number notification fd if requested").
		if cfg.Notify.ForcedFD > 0 {
			for 3+len(cmd.ExtraFiles) < cfg.Notify.ForcedFD {
				filler, ferr := os.Open(os.DevNull)
				if ferr != nil {
					scope.rollback()
					return nil, &launchFailure{err: fmt.Errorf("notification fd filler: %w", ferr)}
				}
				scope.onAlwaysClose(func() { filler.Close() })
				cmd.ExtraFiles = append(cmd.ExtraFiles, filler)
			}
		}

		cmd.ExtraFiles = append(cmd.ExtraFiles, w)
		fdNum := 3 + len(cmd.ExtraFiles) - 1
		if cfg.Notify.Var != "" {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", cfg.Notify.Var, fdNum))
		}
	}

	var controlParent *os.File
	if cfg.Flags.PassControlSocketFD {
		pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			scope.rollback()
			return nil, &launchFailure{err: fmt.Errorf("control socketpair: %w", err)}
		}
		parentEnd := os.NewFile(uintptr(pair[0]), "control-parent")
		childEnd := os.NewFile(uintptr(pair[1]), "control-child")
		scope.onSurvive(func() { parentEnd.Close() })
		scope.onAlwaysClose(func() { childEnd.Close() })
		controlParent = parentEnd
		cmd.ExtraFiles = append(cmd.ExtraFiles, childEnd)
	}

	if sock != nil {
		sockFile, err := sock.File()
		if err != nil {
			scope.rollback()
			return nil, &launchFailure{err: fmt.Errorf("activation socket fd: %w", err)}
		}
		// sockFile is a dup of the listener's fd; it must be closed in the
		// parent regardless of outcome; the original listener stays open
		// for the next launch attempt.
		scope.onAlwaysClose(func() { sockFile.Close() })
		cmd.ExtraFiles = append(cmd.ExtraFiles, sockFile)
	}

	if err := cmd.Start(); err != nil {
		scope.rollback()
		return nil, classifyStartError(err)
	}

	if len(cfg.Credentials.Rlimits) > 0 {
		if err := applyRlimits(cmd.Process.Pid, cfg.Credentials.Rlimits); err != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
			scope.rollback()
			return nil, &launchFailure{execFailed: true, err: fmt.Errorf("apply rlimits: %w", err)}
		}
	}

	// Success: the child ends (and extra-file copies) are now owned by the
	// kernel across the exec; the parent-side ends registered above are
	// still valid and must survive, so commit instead of rolling back.
	scope.commit()

	return &launchResult{
		cmd:         cmd,
		pid:         cmd.Process.Pid,
		readyRead:   readyParent,
		controlConn: controlParent,
	}, nil
}

// classifyStartError turns the error from (*exec.Cmd).Start into the
// EXECFAILED-vs-other distinction spec.md §4.2 asks the exec-status payload
// to carry. Both a *exec.Error (the binary could not even be found — Go's
// own lookup step, analogous to execve returning ENOENT before the child
// had a chance to run) and an error that reached the kernel's execve(2)
// collapse to EXECFAILED: in this core, any failure to get a child running
// at all is EXECFAILED, never FAILED (FAILED is reserved for a child that
// ran and then exited non-zero, spec.md §3).
func classifyStartError(err error) *launchFailure {
	return &launchFailure{execFailed: true, err: err}
}

// applyRlimits mirrors run_proc_params's per-service setrlimit calls
// (original_source run_proc_params). The original applies these between
// fork and exec, inside the child; Go's forkExec runs as a single opaque
// runtime call with no user hook in that window, so the limits are applied
// via prlimit(2) against the freshly-started child's pid instead, as early
// after Start returns as this runtime allows.
func applyRlimits(pid int, limits map[int]Rlimit) error {
	for resource, rl := range limits {
		lim := unix.Rlimit{Cur: rl.Cur, Max: rl.Max}
		if err := unix.Prlimit(pid, resource, &lim, nil); err != nil {
			return fmt.Errorf("setrlimit %d: %w", resource, err)
		}
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
}

func buildEnv(cfg Config, extra []string) ([]string, error) {
	env := os.Environ()
	if cfg.EnvFile != "" {
		fileVars, err := parseEnvFile(cfg.EnvFile)
		if err != nil {
			return nil, err
		}
		env = mergeEnv(env, fileVars)
	}
	return mergeEnv(env, extra), nil
}
