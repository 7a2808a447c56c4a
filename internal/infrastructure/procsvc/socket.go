package procsvc

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// activationSocketBacklog is the fixed listen(2) backlog spec.md §6 lists
// under "boundary bit-exactness that matters" (baseproc_service.cpp's
// listen(sock, 128)).
const activationSocketBacklog = 128

// openActivationSocket binds the configured UNIX-domain SOCK_STREAM
// activation socket, unlinking a stale entry at the same path first (spec.md
// §6). It is idempotent: if sock is already non-nil it is returned as-is,
// matching bring_up's "open the activation socket (idempotent)" step
// (spec.md §4.3).
//
// Ownership and mode are applied with path-based os.Chown/os.Chmod rather
// than the fd-based equivalents, since POSIX does not guarantee fchown/
// fchmod work on socket fds.
func openActivationSocket(cfg Config, sock *net.UnixListener) (*net.UnixListener, error) {
	if sock != nil {
		return sock, nil
	}
	if cfg.SocketPath == "" {
		return nil, nil
	}

	if err := unlinkStaleSocket(cfg.SocketPath); err != nil {
		return nil, fmt.Errorf("activation socket %s: %w", cfg.SocketPath, err)
	}

	ln, err := listenUnixWithBacklog(cfg.SocketPath, activationSocketBacklog)
	if err != nil {
		return nil, fmt.Errorf("activation socket %s: %w", cfg.SocketPath, err)
	}

	if cfg.SocketUID >= 0 && cfg.SocketGID >= 0 {
		if err := os.Chown(cfg.SocketPath, cfg.SocketUID, cfg.SocketGID); err != nil {
			ln.Close()
			os.Remove(cfg.SocketPath)
			return nil, fmt.Errorf("activation socket %s: chown: %w", cfg.SocketPath, err)
		}
	}
	if cfg.SocketPerms != 0 {
		if err := os.Chmod(cfg.SocketPath, os.FileMode(cfg.SocketPerms)); err != nil {
			ln.Close()
			os.Remove(cfg.SocketPath)
			return nil, fmt.Errorf("activation socket %s: chmod: %w", cfg.SocketPath, err)
		}
	}

	return ln, nil
}

// listenUnixWithBacklog binds path as a SOCK_STREAM UNIX-domain socket and
// listens with an explicit backlog. net.ListenUnix has no backlog parameter
// and defers to the OS's somaxconn-derived default, which on many modern
// distros is in the thousands rather than the spec's fixed value — so the
// bind/listen is done directly against unix.Socket/Bind/Listen instead, and
// only wrapped as a *net.UnixListener once the backlog is already pinned.
func listenUnixWithBacklog(path string, backlog int) (*net.UnixListener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("file listener: %w", err)
	}
	unixLn, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("unexpected listener type %T", ln)
	}
	return unixLn, nil
}

// unlinkStaleSocket removes a leftover socket file at path, but refuses to
// touch anything that isn't actually a socket, since the activation-socket
// path being occupied by a non-socket is a fatal, non-recoverable
// configuration error (spec.md §7) rather than something to clobber.
func unlinkStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if fi.Mode().Type() != os.ModeSocket {
		return fmt.Errorf("path occupied by a non-socket file")
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("unlink stale socket: %w", err)
	}
	return nil
}

// closeActivationSocket implements becoming_inactive's socket teardown
// (spec.md §4.3): close the listener and unlink the path so a later
// bring_up can freely re-bind it.
func closeActivationSocket(cfg Config, sock *net.UnixListener) error {
	if sock == nil {
		return nil
	}
	err := sock.Close()
	if cfg.SocketPath != "" {
		os.Remove(cfg.SocketPath)
	}
	return err
}
