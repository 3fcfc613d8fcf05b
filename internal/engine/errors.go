package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCategory is the recovery class of a failed tool call.
type ErrorCategory string

const (
	CategoryConnection    ErrorCategory = "connection"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryRateLimit     ErrorCategory = "rate_limit"
	CategoryValidation    ErrorCategory = "validation"
	CategoryToolExecution ErrorCategory = "tool_execution"
)

var (
	// ErrExecutionAborted is raised when a run's cancellation token fires
	// while a tool call is in flight. It supersedes any other outcome.
	ErrExecutionAborted = errors.New("execution aborted")
	// ErrRateLimitWaitExceeded is matched by RateLimitWaitError.
	ErrRateLimitWaitExceeded = errors.New("rate limit wait exceeds maximum allowed wait")
	// ErrEngineShuttingDown is the cancellation cause used by Shutdown.
	ErrEngineShuttingDown = errors.New("engine is shutting down")
)

// ConnectionError reports a failure to reach the tool service.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("connection error: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a tool call that exceeded its per-call timeout.
type TimeoutError struct {
	Err     error
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("tool call timed out after %v: %v", e.Timeout, e.Err)
	}
	return fmt.Sprintf("tool call timed out: %v", e.Err)
}
func (e *TimeoutError) Unwrap() error { return e.Err }

// RateLimitError reports throttling by the tool service.
type RateLimitError struct {
	Err       error
	ResetTime *time.Time // nil when the service gave no reset time
	Remaining int
}

func (e *RateLimitError) Error() string {
	if e.ResetTime != nil {
		return fmt.Sprintf("rate limited until %s: %v", e.ResetTime.Format(time.RFC3339), e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}
func (e *RateLimitError) Unwrap() error { return e.Err }

// ValidationError names the request field or argument that is invalid.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed for %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}
func (e *ValidationError) Unwrap() error { return e.Err }

// ToolExecutionError wraps any failure that is not one of the other categories.
type ToolExecutionError struct {
	ToolName string
	Err      error
}

func (e *ToolExecutionError) Error() string {
	if e.ToolName != "" {
		return fmt.Sprintf("tool %s failed: %v", e.ToolName, e.Err)
	}
	return fmt.Sprintf("tool execution failed: %v", e.Err)
}
func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ToolValidationError indicates that tool arguments failed JSON schema validation.
type ToolValidationError struct {
	ToolName string
	Errors   []string
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("tool %s validation failed: %s", e.ToolName, strings.Join(e.Errors, "; "))
}

// RateLimitWaitError is returned when the computed backoff is longer than allowed.
type RateLimitWaitError struct {
	Wait    time.Duration
	MaxWait time.Duration
}

func (e *RateLimitWaitError) Error() string {
	return fmt.Sprintf("rate limit wait %v exceeds maximum allowed wait %v", e.Wait, e.MaxWait)
}
func (e *RateLimitWaitError) Is(target error) bool { return target == ErrRateLimitWaitExceeded }

// RetryExhaustedError indicates that all in-place retries of an iteration were used.
type RetryExhaustedError struct {
	Err      error
	Attempts int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}
func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// Classify returns the category of err. Errors that are not already typed
// are classified by message, falling back to CategoryToolExecution.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryToolExecution
	}

	var (
		connErr     *ConnectionError
		timeoutErr  *TimeoutError
		rateErr     *RateLimitError
		validErr    *ValidationError
		toolValErr  *ToolValidationError
		waitErr     *RateLimitWaitError
		toolExecErr *ToolExecutionError
	)
	switch {
	case errors.As(err, &validErr), errors.As(err, &toolValErr):
		return CategoryValidation
	case errors.As(err, &waitErr), errors.As(err, &rateErr):
		return CategoryRateLimit
	case errors.As(err, &timeoutErr):
		return CategoryTimeout
	case errors.As(err, &connErr):
		return CategoryConnection
	case errors.As(err, &toolExecErr):
		return CategoryToolExecution
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return CategoryRateLimit
	}

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "deadline exceeded") {
		return CategoryTimeout
	}

	if strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection closed") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "not connected") ||
		strings.HasSuffix(errStr, "eof") {
		return CategoryConnection
	}

	return CategoryToolExecution
}

// NormalizeError converts any failure value into one of the typed errors.
// Non-error values, nil included, are stringified into a ToolExecutionError.
func NormalizeError(v any, toolName string) error {
	err, ok := v.(error)
	if !ok || err == nil {
		return &ToolExecutionError{ToolName: toolName, Err: errors.New(fmt.Sprint(v))}
	}

	switch Classify(err) {
	case CategoryValidation:
		var validErr *ValidationError
		if errors.As(err, &validErr) {
			return err
		}
		return &ValidationError{Field: "arguments", Reason: "rejected by tool", Err: err}
	case CategoryRateLimit:
		var rateErr *RateLimitError
		var waitErr *RateLimitWaitError
		if errors.As(err, &rateErr) || errors.As(err, &waitErr) {
			return err
		}
		return &RateLimitError{Err: err}
	case CategoryTimeout:
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			return err
		}
		return &TimeoutError{Err: err}
	case CategoryConnection:
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return &ConnectionError{Err: err}
	case CategoryToolExecution:
		var toolErr *ToolExecutionError
		if errors.As(err, &toolErr) {
			return err
		}
		return &ToolExecutionError{ToolName: toolName, Err: err}
	}
	return err
}

// StatusForError maps a terminal error to the run status it produces.
func StatusForError(err error) ExecutionStatus {
	if err == nil {
		return StatusCompleted
	}
	if errors.Is(err, ErrExecutionAborted) || errors.Is(err, ErrEngineShuttingDown) || errors.Is(err, context.Canceled) {
		return StatusCancelled
	}
	if errors.Is(err, ErrRateLimitWaitExceeded) {
		return StatusFailed
	}
	switch Classify(err) {
	case CategoryTimeout:
		return StatusTimeout
	case CategoryRateLimit:
		return StatusRateLimited
	case CategoryConnection, CategoryValidation, CategoryToolExecution:
		return StatusFailed
	}
	return StatusFailed
}

// IterationError wraps errors with the iteration and operation they occurred in.
type IterationError struct {
	Err       error
	RequestID string
	Iteration int
	ToolName  string
	Operation string // "call_tool", "connect", "rate_limit", "recover"
}

func (e *IterationError) Error() string {
	if e.ToolName != "" {
		return fmt.Sprintf("[request=%s iter=%d op=%s tool=%s] %v",
			e.RequestID, e.Iteration, e.Operation, e.ToolName, e.Err)
	}
	return fmt.Sprintf("[request=%s iter=%d op=%s] %v",
		e.RequestID, e.Iteration, e.Operation, e.Err)
}

func (e *IterationError) Unwrap() error { return e.Err }
