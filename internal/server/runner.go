// Package server exposes an engine to clients: it tracks running requests
// so they can be cancelled, and speaks the NDJSON protocol over stdio.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChamsBouzaiene/juno/internal/engine"
	"github.com/ChamsBouzaiene/juno/internal/engine/protocol"
)

var (
	// ErrDuplicateRequest is returned when a request ID is already running.
	ErrDuplicateRequest = errors.New("request is already running")
	// ErrCancelledByClient is the cancellation cause of Cancel.
	ErrCancelledByClient = errors.New("cancelled by client")
)

// Runner starts engine runs and keeps their cancel funcs by request ID.
type Runner struct {
	engine   *engine.Engine
	defaults func(*engine.ExecutionRequest)

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner. defaults, if set, fills empty request fields
// before validation.
func NewRunner(e *engine.Engine, defaults func(*engine.ExecutionRequest)) *Runner {
	return &Runner{
		engine:   e,
		defaults: defaults,
		active:   make(map[string]context.CancelCauseFunc),
	}
}

// Engine returns the engine runs are executed on.
func (r *Runner) Engine() *engine.Engine { return r.engine }

// prepare fills defaults and validates req so callers get validation
// failures synchronously.
func (r *Runner) prepare(req *engine.ExecutionRequest) error {
	if req == nil {
		return engine.ValidateRequest(nil)
	}
	if r.defaults != nil {
		r.defaults(req)
	}
	if req.RequestID == "" {
		req.RequestID = protocol.NewRequestID()
	}
	if err := engine.ValidateRequest(req); err != nil {
		return err
	}
	if _, err := engine.ToolName(req.Subagent, r.engine.Config().ToolNames); err != nil {
		return err
	}
	if r.engine.ShuttingDown() {
		return engine.ErrEngineShuttingDown
	}
	return nil
}

func (r *Runner) track(ctx context.Context, id string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.active[id]; dup {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	r.active[id] = cancel
	r.wg.Add(1)
	return runCtx, func() {
		r.mu.Lock()
		delete(r.active, id)
		r.mu.Unlock()
		cancel(nil)
		r.wg.Done()
	}, nil
}

// Run executes req and waits for its result.
func (r *Runner) Run(ctx context.Context, req *engine.ExecutionRequest) (*engine.ExecutionResult, error) {
	if err := r.prepare(req); err != nil {
		return nil, err
	}
	runCtx, release, err := r.track(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	defer release()
	return r.engine.Execute(runCtx, req)
}

// Start validates req and executes it in the background. The run is not
// tied to ctx's cancellation; use Cancel. done, if set, receives the result.
func (r *Runner) Start(ctx context.Context, req *engine.ExecutionRequest, done func(*engine.ExecutionResult, error)) error {
	if err := r.prepare(req); err != nil {
		return err
	}
	runCtx, release, err := r.track(context.WithoutCancel(ctx), req.RequestID)
	if err != nil {
		return err
	}
	go func() {
		defer release()
		res, err := r.engine.Execute(runCtx, req)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

// Cancel cancels a running request. It reports whether one was found.
func (r *Runner) Cancel(requestID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[requestID]
	r.mu.Unlock()
	if ok {
		cancel(ErrCancelledByClient)
	}
	return ok
}

// Active returns the IDs of running requests, sorted.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every started run has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// WaitContext is Wait bounded by ctx. When ctx ends first, the remaining
// runs are cancelled and ctx's error is returned.
func (r *Runner) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.CancelAll(engine.ErrEngineShuttingDown)
		return fmt.Errorf("waiting for running requests: %w", ctx.Err())
	}
}

// CancelAll cancels every running request with cause.
func (r *Runner) CancelAll(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.active {
		cancel(cause)
	}
}
