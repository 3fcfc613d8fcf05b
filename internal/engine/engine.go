package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ResultRecorder receives every finished run, e.g. to persist it.
type ResultRecorder interface {
	RecordResult(ctx context.Context, res *ExecutionResult) error
}

// CleanupFunc is a task run once during Shutdown.
type CleanupFunc func(ctx context.Context) error

// Engine runs execution requests against a ToolClient. It is safe for
// concurrent use; each Execute call owns its own ExecutionContext.
type Engine struct {
	client ToolClient
	cfg    EngineConfig

	hooks       registry[Hook]
	subscribers registry[ProgressCallback]
	recorders   []ResultRecorder

	mu       sync.Mutex
	cleanup  []CleanupFunc
	history  []ExecutionStatistics
	lastRate RateLimitInfo

	shuttingDown atomic.Bool
	stop         chan struct{}

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithHooks subscribes hooks at construction time.
func WithHooks(hs ...Hook) Option {
	return func(e *Engine) {
		for _, h := range hs {
			e.hooks.add(h)
		}
	}
}

// WithRecorder adds a recorder called after every run.
func WithRecorder(r ResultRecorder) Option {
	return func(e *Engine) { e.recorders = append(e.recorders, r) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. Disconnecting client is always registered as a
// cleanup task.
func New(client ToolClient, cfg EngineConfig, opts ...Option) *Engine {
	e := &Engine{
		client: client,
		cfg:    cfg,
		stop:   make(chan struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cleanup = append(e.cleanup, client.Disconnect)
	if ch := client.ConnectionErrors(); ch != nil {
		go e.watchConnection(ch)
	}
	return e
}

func (e *Engine) watchConnection(ch <-chan error) {
	for {
		select {
		case <-e.stop:
			return
		case err, ok := <-ch:
			if !ok {
				return
			}
			e.emit().OnEngineError(context.Background(), &ConnectionError{Err: err})
		}
	}
}

// emit returns the current hook set.
func (e *Engine) emit() Hooks { return Hooks(e.hooks.snapshot()) }

// Subscribe adds a hook and returns a func that removes it.
func (e *Engine) Subscribe(h Hook) (unsubscribe func()) { return e.hooks.add(h) }

// OnProgress registers cb for processed progress events of every run.
// Callbacks run in registration order.
func (e *Engine) OnProgress(cb ProgressCallback) (unsubscribe func()) {
	return e.subscribers.add(cb)
}

// AddCleanup registers a task for Shutdown. Tasks run in registration order.
func (e *Engine) AddCleanup(fn CleanupFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleanup = append(e.cleanup, fn)
}

// RateLimitInfo returns the most recent rate-limit view, preferring what
// the client currently reports.
func (e *Engine) RateLimitInfo() RateLimitInfo {
	info := e.client.RateLimitInfo()
	if info.ResetTime != nil || info.Remaining != 0 {
		return info
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRate
}

// Config returns the configuration new runs start with.
func (e *Engine) Config() EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Reconfigure replaces the configuration. Runs already in progress keep
// the configuration they started with.
func (e *Engine) Reconfigure(cfg EngineConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// ShuttingDown reports whether Shutdown has been called.
func (e *Engine) ShuttingDown() bool { return e.shuttingDown.Load() }

// History returns copies of the statistics of finished runs, oldest first.
func (e *Engine) History() []ExecutionStatistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ExecutionStatistics, len(e.history))
	for i, s := range e.history {
		out[i] = s.Clone()
	}
	return out
}

// AggregateStatistics merges the statistics of all finished runs.
func (e *Engine) AggregateStatistics() ExecutionStatistics {
	return AggregateStatistics(e.History())
}

func (e *Engine) remember(stats ExecutionStatistics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, stats.Clone())
	if limit := e.cfg.HistoryLimit; limit > 0 && len(e.history) > limit {
		e.history = append([]ExecutionStatistics(nil), e.history[len(e.history)-limit:]...)
	}
}

func (e *Engine) rememberRate(info RateLimitInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastRate = info
}

func (e *Engine) record(ctx context.Context, res *ExecutionResult) {
	for _, r := range e.recorders {
		if err := r.RecordResult(ctx, res); err != nil {
			e.emit().OnEngineError(ctx, fmt.Errorf("record result %s: %w", res.Request.RequestID, err))
		}
	}
}
