package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Hooks fans every callback out to each hook in order. A panicking hook does
// not stop the others; the panic is reported to the remaining hooks through
// OnEngineError, or only logged when it came from OnEngineError itself.
type Hooks []Hook

func (hs Hooks) each(ctx context.Context, name string, fn func(Hook)) {
	for i, h := range hs {
		err := callHook(name, h, fn)
		if err == nil {
			continue
		}
		log.Print(err)
		if name == "OnEngineError" {
			continue
		}
		others := make(Hooks, 0, len(hs)-1)
		others = append(others, hs[:i]...)
		others = append(others, hs[i+1:]...)
		others.OnEngineError(ctx, err)
	}
}

func callHook(name string, h Hook, fn func(Hook)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook %s panicked: %v", name, r)
		}
	}()
	fn(h)
	return nil
}

func (hs Hooks) OnExecutionStart(ctx context.Context, ec *ExecutionContext) {
	hs.each(ctx, "OnExecutionStart", func(h Hook) { h.OnExecutionStart(ctx, ec) })
}
func (hs Hooks) OnExecutionComplete(ctx context.Context, res *ExecutionResult) {
	hs.each(ctx, "OnExecutionComplete", func(h Hook) { h.OnExecutionComplete(ctx, res) })
}
func (hs Hooks) OnIterationStart(ctx context.Context, ec *ExecutionContext, i int) {
	hs.each(ctx, "OnIterationStart", func(h Hook) { h.OnIterationStart(ctx, ec, i) })
}
func (hs Hooks) OnIterationComplete(ctx context.Context, ec *ExecutionContext, it IterationResult) {
	hs.each(ctx, "OnIterationComplete", func(h Hook) { h.OnIterationComplete(ctx, ec, it) })
}
func (hs Hooks) OnIterationError(ctx context.Context, ec *ExecutionContext, i int, cat ErrorCategory, err error) {
	hs.each(ctx, "OnIterationError", func(h Hook) { h.OnIterationError(ctx, ec, i, cat, err) })
}
func (hs Hooks) OnRetryAttempt(ctx context.Context, ec *ExecutionContext, i int, attempt int, delay time.Duration, err error) {
	hs.each(ctx, "OnRetryAttempt", func(h Hook) { h.OnRetryAttempt(ctx, ec, i, attempt, delay, err) })
}
func (hs Hooks) OnRateLimitStart(ctx context.Context, ec *ExecutionContext, err error, wait time.Duration) {
	hs.each(ctx, "OnRateLimitStart", func(h Hook) { h.OnRateLimitStart(ctx, ec, err, wait) })
}
func (hs Hooks) OnRateLimitEnd(ctx context.Context, ec *ExecutionContext, waited time.Duration) {
	hs.each(ctx, "OnRateLimitEnd", func(h Hook) { h.OnRateLimitEnd(ctx, ec, waited) })
}
func (hs Hooks) OnProgressEvent(ctx context.Context, ev ProgressEvent) {
	hs.each(ctx, "OnProgressEvent", func(h Hook) { h.OnProgressEvent(ctx, ev) })
}
func (hs Hooks) OnProgressProcessed(ctx context.Context, ev ProgressEvent) {
	hs.each(ctx, "OnProgressProcessed", func(h Hook) { h.OnProgressProcessed(ctx, ev) })
}
func (hs Hooks) OnEngineError(ctx context.Context, err error) {
	hs.each(ctx, "OnEngineError", func(h Hook) { h.OnEngineError(ctx, err) })
}
func (hs Hooks) OnShutdownStart(ctx context.Context) {
	hs.each(ctx, "OnShutdownStart", func(h Hook) { h.OnShutdownStart(ctx) })
}
func (hs Hooks) OnShutdownComplete(ctx context.Context) {
	hs.each(ctx, "OnShutdownComplete", func(h Hook) { h.OnShutdownComplete(ctx) })
}
func (hs Hooks) OnShutdownError(ctx context.Context, err error) {
	hs.each(ctx, "OnShutdownError", func(h Hook) { h.OnShutdownError(ctx, err) })
}

// registry is an ordered subscriber list with removal handles.
type registry[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []registryEntry[T]
}

type registryEntry[T any] struct {
	id int
	v  T
}

// add appends v and returns a func that removes it. The func is safe to
// call more than once.
func (r *registry[T]) add(v T) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.entries = append(r.entries, registryEntry[T]{id: id, v: v})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.entries {
			if e.id == id {
				r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
				return
			}
		}
	}
}

// snapshot returns the current subscribers in registration order.
func (r *registry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.v
	}
	return out
}
