// Package procsvc implements the per-service process-supervision core: a
// finite-state machine that launches a child process, observes it through
// an injected event loop, applies backoff/restart policy, and coordinates
// start/stop with a caller that owns dependency ordering (a "service set").
//
// The package deliberately does not load service definitions from disk,
// resolve dependencies, or expose a control socket/CLI — those are external
// collaborators described by the interfaces in collaborators.go.
package procsvc
