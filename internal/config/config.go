// Package config parses the single-service TOML descriptor a caller hands
// to procsvc.NewService. It deliberately stops at one service: loading a
// full service set (multiple services, directories, dependency graphs) is
// the loader's job, which this module treats as an external collaborator.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"

	"github.com/coreproc/dinitd/internal/infrastructure/procsvc"
)

// rlimitNames maps the TOML [service.rlimits] table's keys to the
// syscall.RLIMIT_* resource a name refers to (original_source
// run_proc_params's rlimit directive names).
var rlimitNames = map[string]int{
	"cpu":        unix.RLIMIT_CPU,
	"fsize":      unix.RLIMIT_FSIZE,
	"data":       unix.RLIMIT_DATA,
	"stack":      unix.RLIMIT_STACK,
	"core":       unix.RLIMIT_CORE,
	"rss":        unix.RLIMIT_RSS,
	"nproc":      unix.RLIMIT_NPROC,
	"nofile":     unix.RLIMIT_NOFILE,
	"memlock":    unix.RLIMIT_MEMLOCK,
	"as":         unix.RLIMIT_AS,
	"locks":      unix.RLIMIT_LOCKS,
	"sigpending": unix.RLIMIT_SIGPENDING,
	"msgqueue":   unix.RLIMIT_MSGQUEUE,
	"nice":       unix.RLIMIT_NICE,
	"rtprio":     unix.RLIMIT_RTPRIO,
}

// Dur unmarshals TOML duration strings ("200ms", "10s") or raw numbers of
// nanoseconds, mirroring the Dur wrapper pattern used for the same problem
// elsewhere in the pack.
type Dur struct{ time.Duration }

func (d *Dur) UnmarshalTOML(v any) error {
	if v == nil {
		d.Duration = 0
		return nil
	}
	switch x := v.(type) {
	case string:
		if x == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", x, err)
		}
		d.Duration = parsed
	case int64:
		d.Duration = time.Duration(x)
	case float64:
		d.Duration = time.Duration(x)
	default:
		return fmt.Errorf("unsupported duration type %T", v)
	}
	return nil
}

// FlagsCfg mirrors procsvc.Flags in TOML form.
type FlagsCfg struct {
	RunsOnConsole       bool `toml:"runs_on_console"`
	SharesConsole       bool `toml:"shares_console"`
	SignalProcessOnly   bool `toml:"signal_process_only"`
	PassControlSocketFD bool `toml:"pass_control_socket_fd"`
}

// NotifyCfg mirrors procsvc.NotifyConfig.
type NotifyCfg struct {
	Var      string `toml:"var"`
	ForcedFD int    `toml:"forced_fd"`
}

// RlimitCfg is one entry of the [service.rlimits] table; Cur/Max of -1
// means RLIM_INFINITY, matching an absent limit in the original's rlimit
// directive.
type RlimitCfg struct {
	Cur int64 `toml:"cur"`
	Max int64 `toml:"max"`
}

// TimersCfg mirrors procsvc.Timers, all fields optional; an unset restart
// window is filled in later by procsvc.NewService, not here.
type TimersCfg struct {
	StartTimeout            Dur `toml:"start_timeout"`
	StopTimeout             Dur `toml:"stop_timeout"`
	RestartDelay            Dur `toml:"restart_delay"`
	RestartInterval         Dur `toml:"restart_interval"`
	MaxRestartIntervalCount int `toml:"max_restart_interval_count"`
}

// ServiceCfg is the TOML shape for a single [service] table.
type ServiceCfg struct {
	Name     string   `toml:"name"`
	Type     string   `toml:"type"` // "process" | "bgprocess" | "scripted" | "internal"
	Argv     []string `toml:"argv"`
	StopArgv []string `toml:"stop_argv"`

	WorkingDir string `toml:"working_dir"`
	EnvFile    string `toml:"env_file"`
	LogFile    string `toml:"log_file"`

	UID     int                  `toml:"uid"`
	GID     int                  `toml:"gid"`
	Rlimits map[string]RlimitCfg `toml:"rlimits"`

	SocketPath  string `toml:"socket_path"`
	SocketUID   int    `toml:"socket_uid"`
	SocketGID   int    `toml:"socket_gid"`
	SocketPerms int    `toml:"socket_perms"`

	Notify NotifyCfg `toml:"notify"`
	Flags  FlagsCfg  `toml:"flags"`
	Timers TimersCfg `toml:"timers"`

	AutoRestart bool `toml:"auto_restart"`
}

// RootCfg is the file-level TOML shape: a single [service] table. Multiple
// services belong to the (out-of-scope) loader, not here.
type RootCfg struct {
	Service ServiceCfg `toml:"service"`
}

// Load reads path and converts its [service] table into a procsvc.Config.
func Load(path string) (procsvc.Config, error) {
	var root RootCfg
	if _, err := toml.DecodeFile(path, &root); err != nil {
		return procsvc.Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return toProcsvcConfig(root.Service)
}

func toProcsvcConfig(sc ServiceCfg) (procsvc.Config, error) {
	if sc.Name == "" {
		return procsvc.Config{}, fmt.Errorf("service.name is required")
	}
	if len(sc.Argv) == 0 && sc.Type != "internal" {
		return procsvc.Config{}, fmt.Errorf("service %q: argv is required", sc.Name)
	}

	typ, err := parseType(sc.Type)
	if err != nil {
		return procsvc.Config{}, fmt.Errorf("service %q: %w", sc.Name, err)
	}

	cfg := procsvc.Config{
		Name:        sc.Name,
		Type:        typ,
		Argv:        sc.Argv,
		StopArgv:    sc.StopArgv,
		WorkingDir:  sc.WorkingDir,
		EnvFile:     sc.EnvFile,
		LogFile:     sc.LogFile,
		SocketPath:  sc.SocketPath,
		SocketUID:   orDefault(sc.SocketUID, -1),
		SocketGID:   orDefault(sc.SocketGID, -1),
		SocketPerms: uint32(sc.SocketPerms),
		Notify: procsvc.NotifyConfig{
			Var:      sc.Notify.Var,
			ForcedFD: orDefault(sc.Notify.ForcedFD, -1),
		},
		Flags: procsvc.Flags{
			RunsOnConsole:       sc.Flags.RunsOnConsole,
			SharesConsole:       sc.Flags.SharesConsole,
			SignalProcessOnly:   sc.Flags.SignalProcessOnly,
			PassControlSocketFD: sc.Flags.PassControlSocketFD,
		},
		// Left unfilled: procsvc.NewService applies the restart-window
		// defaults (10s/3/200ms), so an unset window here never clobbers
		// an explicitly-configured StartTimeout/StopTimeout.
		Timers: procsvc.Timers{
			StartTimeout:            sc.Timers.StartTimeout.Duration,
			StopTimeout:             sc.Timers.StopTimeout.Duration,
			RestartDelay:            sc.Timers.RestartDelay.Duration,
			RestartInterval:         sc.Timers.RestartInterval.Duration,
			MaxRestartIntervalCount: sc.Timers.MaxRestartIntervalCount,
		},
		AutoRestart: sc.AutoRestart,
	}
	if sc.UID != 0 {
		uid := uint32(sc.UID)
		cfg.Credentials.UID = &uid
	}
	if sc.GID != 0 {
		gid := uint32(sc.GID)
		cfg.Credentials.GID = &gid
	}
	if len(sc.Rlimits) > 0 {
		cfg.Credentials.Rlimits = make(map[int]procsvc.Rlimit, len(sc.Rlimits))
		for name, rl := range sc.Rlimits {
			resource, ok := rlimitNames[name]
			if !ok {
				return procsvc.Config{}, fmt.Errorf("service %q: unknown rlimit %q", sc.Name, name)
			}
			cfg.Credentials.Rlimits[resource] = procsvc.Rlimit{
				Cur: rlimitValue(rl.Cur),
				Max: rlimitValue(rl.Max),
			}
		}
	}
	return cfg, nil
}

func parseType(s string) (procsvc.Type, error) {
	switch s {
	case "", "process":
		return procsvc.Process, nil
	case "bgprocess":
		return procsvc.BGProcess, nil
	case "scripted":
		return procsvc.Scripted, nil
	case "internal":
		return procsvc.Internal, nil
	default:
		return 0, fmt.Errorf("unknown service type %q", s)
	}
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// rlimitValue turns a TOML -1 into RLIM_INFINITY; any other value passes
// through as the literal limit.
func rlimitValue(v int64) uint64 {
	if v < 0 {
		return uint64(unix.RLIM_INFINITY)
	}
	return uint64(v)
}
