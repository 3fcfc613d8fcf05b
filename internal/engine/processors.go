// engine/processors.go
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ProgressFilter decides whether a raw event is passed on. An event must
// satisfy every filter.
type ProgressFilter func(ev ProgressEvent) bool

// ProgressProcessor performs a side effect for each event that passed the
// filters. Its failures are reported and never interrupt a run.
type ProgressProcessor func(ctx context.Context, ev ProgressEvent) error

// ProgressPipeline is the filter and processor chain applied to every event.
type ProgressPipeline struct {
	Filters    []ProgressFilter
	Processors []ProgressProcessor
}

// Accept reports whether ev passes all filters.
func (p ProgressPipeline) Accept(ev ProgressEvent) bool {
	for _, f := range p.Filters {
		if !f(ev) {
			return false
		}
	}
	return true
}

// ApplyProcessors runs every processor and collects their failures.
func ApplyProcessors(ctx context.Context, ev ProgressEvent, ps ...ProgressProcessor) []error {
	var errs []error
	for i, p := range ps {
		if err := safeProcess(ctx, p, ev); err != nil {
			errs = append(errs, fmt.Errorf("progress processor %d: %w", i, err))
		}
	}
	return errs
}

func safeProcess(ctx context.Context, p ProgressProcessor, ev ProgressEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p(ctx, ev)
}

func safeCallback(ctx context.Context, cb ProgressCallback, ev ProgressEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("progress subscriber panicked: %v", r)
		}
	}()
	cb(ctx, ev)
	return nil
}

// TypeFilter keeps only events whose type is in types.
func TypeFilter(types ...ProgressEventType) ProgressFilter {
	allowed := make(map[ProgressEventType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return func(ev ProgressEvent) bool { return allowed[ev.Type] }
}

// SuppressMetadataKinds drops events whose metadata "kind" is one of kinds.
// Streaming backends tag noisy notifications (token counts, diffs, raw
// command output) this way.
func SuppressMetadataKinds(kinds ...string) ProgressFilter {
	blocked := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		blocked[strings.ToLower(k)] = true
	}
	return func(ev ProgressEvent) bool {
		kind, _ := ev.Metadata["kind"].(string)
		return !blocked[strings.ToLower(kind)]
	}
}

// TruncateContent is a processor-side helper used by sinks that store
// events; it caps Content at max bytes, keeping head and tail.
func TruncateContent(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	head := max * 2 / 3
	tail := max - head
	return s[:head] + "\n...[truncated]...\n" + s[len(s)-tail:]
}

// stampEvent fills the fields the engine owns on an incoming event.
func stampEvent(ev ProgressEvent, sessionID string, iteration int, now time.Time) ProgressEvent {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}
	if ev.Iteration == 0 {
		ev.Iteration = iteration
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if ev.Type == "" {
		ev.Type = ProgressInfo
	}
	return ev
}
