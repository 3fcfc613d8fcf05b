package engine

import (
	"context"
	"fmt"
	"time"
)

// Shutdown stops the engine. The first call marks the engine as shutting
// down, runs the cleanup tasks once in registration order and returns the
// first cleanup failure. Later or concurrent calls return nil immediately.
//
// In-flight tool calls are not interrupted; running loops stop with
// StatusCancelled at their next check point.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stop)

	hooks := e.emit()
	hooks.OnShutdownStart(ctx)

	e.mu.Lock()
	tasks := e.cleanup
	e.cleanup = nil
	e.mu.Unlock()

	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			err = fmt.Errorf("shutdown interrupted before cleanup task %d: %w", i, err)
			hooks.OnShutdownError(ctx, err)
			return err
		}
		if err := task(ctx); err != nil {
			err = fmt.Errorf("cleanup task %d: %w", i, err)
			hooks.OnShutdownError(ctx, err)
			return err
		}
	}

	hooks.OnShutdownComplete(ctx)
	return nil
}

// ShutdownTimeout calls Shutdown with a context bounded by timeout.
func (e *Engine) ShutdownTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.Shutdown(ctx)
}
