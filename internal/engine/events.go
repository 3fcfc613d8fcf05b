package engine

import (
	"context"
	"strings"
	"time"
)

type Event struct {
	Kind      string // "execution_start", "iteration_start", "iteration_complete", "iteration_error", "rate_limit_start", "rate_limit_end", "progress", "execution_complete", "engine_error", "shutdown_start", "shutdown_complete", "shutdown_error"
	RequestID string
	Data      any
}

// ChannelHook bridges engine callbacks onto a channel. Sends never block:
// an event is dropped when the channel is full.
type ChannelHook struct {
	NopHook
	Ch chan<- Event
}

func (h ChannelHook) send(ev Event) {
	select {
	case h.Ch <- ev:
	default:
	}
}

func (h ChannelHook) OnExecutionStart(_ context.Context, ec *ExecutionContext) {
	h.send(Event{Kind: "execution_start", RequestID: ec.Request.RequestID, Data: map[string]any{
		"subagent":       ec.Request.Subagent,
		"max_iterations": ec.Request.MaxIterations,
		"session_id":     ec.Session.SessionID,
	}})
}
func (h ChannelHook) OnExecutionComplete(_ context.Context, res *ExecutionResult) {
	h.send(Event{Kind: "execution_complete", RequestID: res.Request.RequestID, Data: res})
}
func (h ChannelHook) OnIterationStart(_ context.Context, ec *ExecutionContext, i int) {
	h.send(Event{Kind: "iteration_start", RequestID: ec.Request.RequestID, Data: i})
}
func (h ChannelHook) OnIterationComplete(_ context.Context, ec *ExecutionContext, it IterationResult) {
	h.send(Event{Kind: "iteration_complete", RequestID: ec.Request.RequestID, Data: it})
}
func (h ChannelHook) OnIterationError(_ context.Context, ec *ExecutionContext, i int, cat ErrorCategory, err error) {
	h.send(Event{Kind: "iteration_error", RequestID: ec.Request.RequestID, Data: map[string]any{
		"iteration": i,
		"category":  string(cat),
		"error":     err.Error(),
	}})
}
func (h ChannelHook) OnRateLimitStart(_ context.Context, ec *ExecutionContext, err error, wait time.Duration) {
	h.send(Event{Kind: "rate_limit_start", RequestID: ec.Request.RequestID, Data: map[string]any{
		"wait":  wait,
		"error": err.Error(),
	}})
}
func (h ChannelHook) OnRateLimitEnd(_ context.Context, ec *ExecutionContext, waited time.Duration) {
	h.send(Event{Kind: "rate_limit_end", RequestID: ec.Request.RequestID, Data: waited})
}
func (h ChannelHook) OnProgressProcessed(_ context.Context, ev ProgressEvent) {
	h.send(Event{Kind: "progress", RequestID: requestIDFromSession(ev.SessionID), Data: ev})
}
func (h ChannelHook) OnEngineError(_ context.Context, err error) {
	h.send(Event{Kind: "engine_error", Data: err.Error()})
}
func (h ChannelHook) OnShutdownStart(context.Context) {
	h.send(Event{Kind: "shutdown_start"})
}
func (h ChannelHook) OnShutdownComplete(context.Context) {
	h.send(Event{Kind: "shutdown_complete"})
}
func (h ChannelHook) OnShutdownError(_ context.Context, err error) {
	h.send(Event{Kind: "shutdown_error", Data: err.Error()})
}

func requestIDFromSession(sessionID string) string {
	return strings.TrimPrefix(sessionID, "session-")
}
