// Package rtdebug exposes opt-in diagnostic switches configured via the
// DUPLEXMCP_DEBUG environment variable, so ad hoc runtime tracing doesn't
// need a flag threaded through every constructor.
//
// The value of DUPLEXMCP_DEBUG is a comma-separated list of key=value pairs,
// e.g. DUPLEXMCP_DEBUG=wire=1,sse=1. Unlike a strict debug-flag parser,
// rtdebug never fails a process over a malformed entry: consistent with
// this module's own "never panic on malformed input" policy for wire
// traffic (see rpc.Engine's receive loop), a bad segment is logged and
// skipped, and the rest of the list still takes effect.
package rtdebug

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

const envKey = "DUPLEXMCP_DEBUG"

var (
	mu     sync.RWMutex
	params = parse(os.Getenv(envKey))
)

// Value returns the raw value configured for key, or "" if unset.
func Value(key string) string {
	mu.RLock()
	defer mu.RUnlock()
	return params[key]
}

// Bool reports whether key is set to a truthy value ("1", "t", "true",
// case-insensitively). An unset or unparseable value is false.
func Bool(key string) bool {
	v := Value(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	return err == nil && b
}

// Int returns key's value parsed as an integer, or fallback if key is
// unset or not a valid integer.
func Int(key string, fallback int) int {
	v := Value(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// SetForTesting replaces the active parameter set for the duration of a
// test, returning a restore function. rtdebug's state is normally fixed at
// process start from the environment; tests that need to exercise a
// debug-gated code path without mutating the process environment (and
// without the ordering hazards of os.Setenv under t.Parallel) call this
// instead.
func SetForTesting(kv map[string]string) (restore func()) {
	mu.Lock()
	prev := params
	params = kv
	mu.Unlock()
	return func() {
		mu.Lock()
		params = prev
		mu.Unlock()
	}
}

// parse splits env on commas into key=value pairs. A segment missing "="
// or with an empty key is logged and dropped rather than failing the
// whole parse: one mistyped DUPLEXMCP_DEBUG entry shouldn't take down a
// process at startup.
func parse(env string) map[string]string {
	if env == "" {
		return nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			slog.Default().Warn("rtdebug: ignoring malformed "+envKey+" entry", "entry", part)
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
