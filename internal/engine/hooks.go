// engine/hooks.go
package engine

import (
	"context"
	"time"
)

type Hook interface {
	OnExecutionStart(ctx context.Context, ec *ExecutionContext)
	OnExecutionComplete(ctx context.Context, res *ExecutionResult)
	OnIterationStart(ctx context.Context, ec *ExecutionContext, iteration int)
	OnIterationComplete(ctx context.Context, ec *ExecutionContext, it IterationResult)
	OnIterationError(ctx context.Context, ec *ExecutionContext, iteration int, cat ErrorCategory, err error)
	OnRetryAttempt(ctx context.Context, ec *ExecutionContext, iteration int, attempt int, delay time.Duration, err error)
	// Rate limit hooks
	OnRateLimitStart(ctx context.Context, ec *ExecutionContext, err error, wait time.Duration)
	OnRateLimitEnd(ctx context.Context, ec *ExecutionContext, waited time.Duration)
	// Progress hooks
	OnProgressEvent(ctx context.Context, ev ProgressEvent)
	OnProgressProcessed(ctx context.Context, ev ProgressEvent)
	// Engine hooks
	OnEngineError(ctx context.Context, err error)
	OnShutdownStart(ctx context.Context)
	OnShutdownComplete(ctx context.Context)
	OnShutdownError(ctx context.Context, err error)
}

// NopHook lets you implement any hook you need.
type NopHook struct{}

func (NopHook) OnExecutionStart(context.Context, *ExecutionContext)                                 {}
func (NopHook) OnExecutionComplete(context.Context, *ExecutionResult)                               {}
func (NopHook) OnIterationStart(context.Context, *ExecutionContext, int)                            {}
func (NopHook) OnIterationComplete(context.Context, *ExecutionContext, IterationResult)             {}
func (NopHook) OnIterationError(context.Context, *ExecutionContext, int, ErrorCategory, error)      {}
func (NopHook) OnRetryAttempt(context.Context, *ExecutionContext, int, int, time.Duration, error)   {}
func (NopHook) OnRateLimitStart(context.Context, *ExecutionContext, error, time.Duration)           {}
func (NopHook) OnRateLimitEnd(context.Context, *ExecutionContext, time.Duration)                    {}
func (NopHook) OnProgressEvent(context.Context, ProgressEvent)                                      {}
func (NopHook) OnProgressProcessed(context.Context, ProgressEvent)                                  {}
func (NopHook) OnEngineError(context.Context, error)                                                {}
func (NopHook) OnShutdownStart(context.Context)                                                     {}
func (NopHook) OnShutdownComplete(context.Context)                                                  {}
func (NopHook) OnShutdownError(context.Context, error)                                              {}
