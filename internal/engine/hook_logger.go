// engine/hook_logger.go
package engine

import (
	"context"
	"log"
	"time"
)

type LoggerHook struct{ L *log.Logger }

// DefaultHooks returns the logging hooks the CLI installs: a LoggerHook on
// the standard logger.
func DefaultHooks() Hooks {
	return Hooks{LoggerHook{L: log.Default()}}
}

func (h LoggerHook) OnExecutionStart(_ context.Context, ec *ExecutionContext) {
	h.L.Printf("execution start: request=%s subagent=%s max_iterations=%d cwd=%s",
		ec.Request.RequestID, ec.Request.Subagent, ec.Request.MaxIterations, ec.Request.WorkingDirectory)
}
func (h LoggerHook) OnExecutionComplete(_ context.Context, res *ExecutionResult) {
	if res.Err != nil {
		h.L.Printf("execution complete: request=%s status=%s iterations=%d duration=%v error=%v",
			res.Request.RequestID, res.Status, len(res.Iterations), res.Duration, res.Err)
		return
	}
	h.L.Printf("execution complete: request=%s status=%s iterations=%d duration=%v",
		res.Request.RequestID, res.Status, len(res.Iterations), res.Duration)
}
func (h LoggerHook) OnIterationStart(_ context.Context, ec *ExecutionContext, i int) {
	h.L.Printf("iteration start: request=%s iter=%d", ec.Request.RequestID, i)
}
func (h LoggerHook) OnIterationComplete(_ context.Context, ec *ExecutionContext, it IterationResult) {
	h.L.Printf("iteration complete: request=%s iter=%d success=%t tool_calls=%d duration=%v",
		ec.Request.RequestID, it.Iteration, it.Success, it.ToolCalls, it.Duration)
}
func (h LoggerHook) OnIterationError(_ context.Context, ec *ExecutionContext, i int, cat ErrorCategory, err error) {
	h.L.Printf("iteration error: request=%s iter=%d category=%s error=%v", ec.Request.RequestID, i, cat, err)
}
func (h LoggerHook) OnRetryAttempt(_ context.Context, ec *ExecutionContext, i int, attempt int, delay time.Duration, err error) {
	h.L.Printf("retry attempt: request=%s iter=%d attempt=%d delay=%v error=%v", ec.Request.RequestID, i, attempt, delay, err)
}
func (h LoggerHook) OnRateLimitStart(_ context.Context, ec *ExecutionContext, err error, wait time.Duration) {
	h.L.Printf("rate limited: request=%s wait=%v error=%v", ec.Request.RequestID, wait, err)
}
func (h LoggerHook) OnRateLimitEnd(_ context.Context, ec *ExecutionContext, waited time.Duration) {
	h.L.Printf("rate limit wait over: request=%s waited=%v", ec.Request.RequestID, waited)
}
func (h LoggerHook) OnProgressEvent(context.Context, ProgressEvent) {}
func (h LoggerHook) OnProgressProcessed(_ context.Context, ev ProgressEvent) {
	content := ev.Content
	if len(content) > 200 {
		content = content[:200] + "..."
	}
	h.L.Printf("progress: session=%s iter=%d type=%s %s", ev.SessionID, ev.Iteration, ev.Type, content)
}
func (h LoggerHook) OnEngineError(_ context.Context, err error) {
	h.L.Printf("engine error: %v", err)
}
func (h LoggerHook) OnShutdownStart(context.Context) {
	h.L.Printf("shutdown start")
}
func (h LoggerHook) OnShutdownComplete(context.Context) {
	h.L.Printf("shutdown complete")
}
func (h LoggerHook) OnShutdownError(_ context.Context, err error) {
	h.L.Printf("shutdown error: %v", err)
}
