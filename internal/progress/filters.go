// Package progress builds the configurable part of the engine's progress
// pipeline: glob filters on event types and user-supplied Lua filters.
package progress

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// subject is the string a pattern is matched against. Patterns without a
// slash see only the event type; patterns with one see "backend/type", so
// "codex/*" selects one backend and "**/error" selects errors from all.
func subject(pattern string, ev engine.ProgressEvent) string {
	if !strings.Contains(pattern, "/") {
		return string(ev.Type)
	}
	backend := ev.Backend
	if backend == "" {
		backend = "unknown"
	}
	return backend + "/" + string(ev.Type)
}

func matchAny(patterns []string, ev engine.ProgressEvent) bool {
	for _, p := range patterns {
		// Patterns are validated up front, so Match cannot fail here.
		if ok, _ := doublestar.Match(p, subject(p, ev)); ok {
			return true
		}
	}
	return false
}

// GlobFilter keeps events matching at least one include pattern (all events
// when include is empty) and none of the exclude patterns.
func GlobFilter(include, exclude []string) (engine.ProgressFilter, error) {
	for _, p := range append(append([]string(nil), include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid progress pattern %q", p)
		}
	}
	inc := append([]string(nil), include...)
	exc := append([]string(nil), exclude...)

	return func(ev engine.ProgressEvent) bool {
		if len(inc) > 0 && !matchAny(inc, ev) {
			return false
		}
		return !matchAny(exc, ev)
	}, nil
}
