package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/coreproc/dinitd/internal/infrastructure/procsvc"
)

func writeToml(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "service.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_MinimalProcess(t *testing.T) {
	path := writeToml(t, `
[service]
name = "echoer"
type = "process"
argv = ["/bin/echo", "hi"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "echoer", cfg.Name)
	assert.Equal(t, procsvc.Process, cfg.Type)
	assert.Equal(t, []string{"/bin/echo", "hi"}, cfg.Argv)
	// Unconfigured socket/notify fields must resolve to their "unset"
	// sentinels, not TOML's zero-value default of 0.
	assert.Equal(t, -1, cfg.SocketUID)
	assert.Equal(t, -1, cfg.SocketGID)
	assert.Equal(t, -1, cfg.Notify.ForcedFD)
	// Load leaves an unconfigured restart window at its zero value;
	// procsvc.NewService is what fills in the 10s/3/200ms defaults.
	assert.Equal(t, procsvc.Timers{}, cfg.Timers)
}

func TestLoad_FullService(t *testing.T) {
	path := writeToml(t, `
[service]
name = "web"
type = "bgprocess"
argv = ["/usr/bin/webd", "--foreground"]
working_dir = "/srv/web"
env_file = "/etc/web.env"
log_file = "/var/log/web.log"
uid = 1000
gid = 1000
socket_path = "/run/web.sock"
socket_uid = 1000
socket_gid = 1000
socket_perms = 0o660
auto_restart = true

[service.rlimits.nofile]
cur = 1024
max = -1

[service.notify]
var = "NOTIFY_FD"

[service.flags]
runs_on_console = false
signal_process_only = true

[service.timers]
start_timeout = "5s"
stop_timeout = "2s"
restart_delay = "500ms"
restart_interval = "30s"
max_restart_interval_count = 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, procsvc.BGProcess, cfg.Type)
	assert.Equal(t, "/srv/web", cfg.WorkingDir)
	assert.Equal(t, 1000, cfg.SocketUID)
	assert.Equal(t, uint32(0660), cfg.SocketPerms)
	assert.True(t, cfg.Flags.SignalProcessOnly)
	assert.Equal(t, "NOTIFY_FD", cfg.Notify.Var)
	assert.True(t, cfg.AutoRestart)
	require.NotNil(t, cfg.Credentials.UID)
	assert.Equal(t, uint32(1000), *cfg.Credentials.UID)

	nofile, ok := cfg.Credentials.Rlimits[unix.RLIMIT_NOFILE]
	require.True(t, ok)
	assert.Equal(t, uint64(1024), nofile.Cur)
	assert.Equal(t, uint64(unix.RLIM_INFINITY), nofile.Max)

	assert.Equal(t, 5*time.Second, cfg.Timers.StartTimeout)
	assert.Equal(t, 2*time.Second, cfg.Timers.StopTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Timers.RestartDelay)
	assert.Equal(t, 30*time.Second, cfg.Timers.RestartInterval)
	assert.Equal(t, 5, cfg.Timers.MaxRestartIntervalCount)
}

func TestLoad_MissingName(t *testing.T) {
	path := writeToml(t, `
[service]
type = "process"
argv = ["/bin/true"]
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingArgvForNonInternal(t *testing.T) {
	path := writeToml(t, `
[service]
name = "no-argv"
type = "process"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InternalAllowsEmptyArgv(t *testing.T) {
	path := writeToml(t, `
[service]
name = "marker"
type = "internal"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, procsvc.Internal, cfg.Type)
}

func TestLoad_UnknownType(t *testing.T) {
	path := writeToml(t, `
[service]
name = "x"
type = "bogus"
argv = ["/bin/true"]
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_UnknownRlimit(t *testing.T) {
	path := writeToml(t, `
[service]
name = "x"
type = "process"
argv = ["/bin/true"]

[service.rlimits.bogus]
cur = 10
max = 10
`)
	_, err := Load(path)
	assert.Error(t, err)
}
