package procsvc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// parseEnvFile reads a dinit-style environment file: KEY=VALUE lines,
// '#'-prefixed comment lines, and blank lines, all ignored in the latter two
// cases. There is no quoting or variable expansion — original_source reads
// the file as a sequence of whole lines and splits each on the first '='.
//
// The result preserves line order so later entries can override earlier
// ones when merged against os.Environ(). run_child_proc reads the file in
// the child after the working directory is set; launch.go instead reads it
// in the parent before Start, so a relative path resolves against dinitd's
// own working directory, not Config.WorkingDir.
func parseEnvFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if !strings.Contains(line, "=") {
			return nil, fmt.Errorf("%s:%d: missing '=' in environment line", path, lineNo)
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return out, nil
}

// mergeEnv appends overrides on top of base, keeping only the last
// occurrence of each KEY so a child's env-file can shadow an inherited
// variable without duplicate entries in the final slice.
func mergeEnv(base, overrides []string) []string {
	order := make([]string, 0, len(base)+len(overrides))
	values := make(map[string]string, len(base)+len(overrides))

	apply := func(kv string) {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			return
		}
		if _, seen := values[key]; !seen {
			order = append(order, key)
		}
		values[key] = kv
	}
	for _, kv := range base {
		apply(kv)
	}
	for _, kv := range overrides {
		apply(kv)
	}

	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, values[key])
	}
	return out
}
