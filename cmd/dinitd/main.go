// Command dinitd is a small demonstration harness around the procsvc core:
// it loads one service's TOML descriptor, starts it with a real event loop,
// and on SIGINT/SIGTERM stops it and exits once it has gone back to STOPPED.
// It is not a competitor to the full loader/dependency-graph/IPC
// supervisor — those stay out of scope (spec.md §1) — it exists to give the
// core something concrete to run against.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/coreproc/dinitd/internal/config"
	"github.com/coreproc/dinitd/internal/infrastructure/procsvc"
	"github.com/coreproc/dinitd/pkg/fmtt"
)

func main() {
	var (
		cfgPath    string
		debug      bool
		subreaper  bool
		maxBooting int
	)
	flag.StringVar(&cfgPath, "config", "", "path to the service TOML descriptor")
	flag.BoolVar(&debug, "debug", false, "dump the full error chain on fatal failure")
	flag.BoolVar(&subreaper, "subreaper", false, "mark this process as a child subreaper (Linux 3.4+)")
	flag.IntVar(&maxBooting, "max-booting", 4, "maximum services concurrently in STARTING")
	flag.Parse()

	if err := run(cfgPath, subreaper, maxBooting); err != nil {
		if debug {
			fmtt.PrintErrChainDebug(err)
		}
		fmt.Fprintln(os.Stderr, "dinitd:", err)
		os.Exit(1)
	}
}

func run(cfgPath string, subreaper bool, maxBooting int) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	if cfgPath == "" {
		return fmt.Errorf("-config is required")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if subreaper {
		if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
			log.Warn("failed to become a child subreaper", zap.Error(err))
		}
	}

	loop := procsvc.NewLoop(log)
	// Single-service here, but the boot-storm limiter is still exercised:
	// the slot reserved for this service's STARTING phase is released once
	// it settles, exactly as it would be for the Nth of many services in a
	// full loader-driven boot.
	slots := procsvc.NewStartSlots(maxBooting)

	svc := procsvc.NewService(cfg, log, loop, procsvc.NoopServiceSet{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The loop keeps running after the stop signal so watchSignal can still
	// drive BringDown through it; it is stopped once watchSignal returns.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(loopCtx)
	})
	g.Go(func() error {
		defer stopLoop()
		return watchSignal(gctx, loop, svc)
	})

	slots.Acquire(cfg.Name)
	loop.RunSync(func() {
		svc.BringUp()
	})
	go releaseOnceStarted(loop, svc, slots, cfg.Name)

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// releaseOnceStarted holds the boot slot for name until svc has left
// STARTING (started, failed, or cancelled), then frees it for the next
// service a fuller loader would be booting concurrently.
func releaseOnceStarted(loop *procsvc.Loop, svc *procsvc.Service, slots *procsvc.StartSlots, name string) {
	defer slots.Release(name)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		var starting bool
		loop.RunSync(func() { starting = svc.State() == procsvc.Starting })
		if !starting {
			return
		}
	}
}

// watchSignal blocks until ctx is cancelled (a stop signal arrived), then
// asks the service to shut down and waits for it to reach STOPPED before
// letting the errgroup finish.
func watchSignal(ctx context.Context, loop *procsvc.Loop, svc *procsvc.Service) error {
	<-ctx.Done()

	loop.RunSync(func() {
		if svc.State() != procsvc.Stopped {
			svc.BringDown()
		}
	})

	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline.C:
			return fmt.Errorf("service did not stop within shutdown deadline")
		case <-ticker.C:
			var stopped bool
			loop.RunSync(func() { stopped = svc.State() == procsvc.Stopped })
			if stopped {
				return context.Canceled
			}
		}
	}
}
