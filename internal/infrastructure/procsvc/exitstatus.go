package procsvc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExitStatus is an opaque carrier of a child's wait result (spec.md §4.1).
// It wraps unix.WaitStatus the way the pebble reaper
// (other_examples/...canonical-pebble__...reaper.go) reads status.ExitStatus
// / status.Signaled() straight off unix.WaitStatus rather than re-deriving
// the WIFEXITED/WIFSIGNALED macros by hand.
type ExitStatus struct {
	status unix.WaitStatus
}

// NewExitStatus wraps a raw wait status.
func NewExitStatus(status unix.WaitStatus) ExitStatus {
	return ExitStatus{status: status}
}

// ExitStatusFromCmdError derives an ExitStatus from the error returned by
// (*exec.Cmd).Wait. A nil error means the child exited with status 0.
func ExitStatusFromCmdError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var eerr *exec.ExitError
	if ok := asExitError(err, &eerr); ok {
		if ws, ok := eerr.Sys().(syscall.WaitStatus); ok {
			return ExitStatus{status: unix.WaitStatus(ws)}
		}
	}
	// Could not classify (e.g. the wait itself failed): treat as a non-clean
	// exit with no further detail, rather than silently reporting success.
	return ExitStatus{status: 1}
}

func asExitError(err error, target **exec.ExitError) bool {
	for err != nil {
		if e, ok := err.(*exec.ExitError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// DidExit reports whether the child terminated via exit(2) (as opposed to a
// signal).
func (e ExitStatus) DidExit() bool { return e.status.Exited() }

// DidExitClean reports whether the status compares equal to a clean exit(0)
// with no signal — the same definition did_exit_clean() uses in
// baseproc_sys.hpp ("status == 0").
func (e ExitStatus) DidExitClean() bool { return int(e.status) == 0 }

// ExitCode returns the exit(2) argument. Only meaningful if DidExit is true.
func (e ExitStatus) ExitCode() int { return e.status.ExitStatus() }

// WasSignalled reports whether the child was terminated by a signal.
func (e ExitStatus) WasSignalled() bool { return e.status.Signaled() }

// TermSignal returns the terminating signal. Only meaningful if
// WasSignalled is true.
func (e ExitStatus) TermSignal() syscall.Signal { return syscall.Signal(e.status.Signal()) }

// AsInt returns the raw platform wait status for diagnostics/logging.
func (e ExitStatus) AsInt() int { return int(e.status) }
