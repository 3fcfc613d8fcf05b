// Package engine drives runs of a subagent instruction against an external
// tool-invocation client: it iterates tool calls, classifies and recovers
// from failures, backs off on rate limits, pipes progress events to
// subscribers and aggregates run statistics.
package engine

import (
	"context"
	"time"
)

// Unlimited disables the iteration cap of an ExecutionRequest.
const Unlimited = -1

// ExecutionStatus is the lifecycle state of one run.
type ExecutionStatus string

const (
	StatusPending     ExecutionStatus = "pending"
	StatusRunning     ExecutionStatus = "running"
	StatusCompleted   ExecutionStatus = "completed"
	StatusFailed      ExecutionStatus = "failed"
	StatusTimeout     ExecutionStatus = "timeout"
	StatusRateLimited ExecutionStatus = "rate_limited"
	StatusCancelled   ExecutionStatus = "cancelled"
)

// Terminal reports whether s ends a run.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusRateLimited, StatusCancelled:
		return true
	}
	return false
}

// Priority is an opaque scheduling hint passed through to the tool client.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ProgressCallback receives processed progress events.
type ProgressCallback func(ctx context.Context, ev ProgressEvent)

// ExecutionRequest describes one run. It is not modified by the engine.
type ExecutionRequest struct {
	RequestID         string
	Instruction       string
	Subagent          string
	WorkingDirectory  string
	MaxIterations     int // positive, or Unlimited
	Model             string
	Timeout           time.Duration // per tool call; zero means none
	Priority          Priority
	SessionMetadata   map[string]any
	ProgressCallbacks []ProgressCallback
}

// ProgressEventType classifies a progress notification.
type ProgressEventType string

const (
	ProgressToolStart ProgressEventType = "tool_start"
	ProgressToolEnd   ProgressEventType = "tool_end"
	ProgressThinking  ProgressEventType = "thinking"
	ProgressInfo      ProgressEventType = "info"
	ProgressError     ProgressEventType = "error"
)

// ProgressEvent is one notification streamed by the tool client during a call.
type ProgressEvent struct {
	ID        string
	SessionID string
	Iteration int
	Timestamp time.Time
	Type      ProgressEventType
	Backend   string
	ToolID    string
	Content   string
	Progress  float64
	Total     float64
	Metadata  map[string]any
}

// ToolCallRequest is what the engine hands to the ToolClient for one attempt.
type ToolCallRequest struct {
	ToolName         string
	Iteration        int
	Instruction      string
	WorkingDirectory string
	Model            string
	Timeout          time.Duration
	Priority         Priority
	Metadata         map[string]any
	Arguments        map[string]any
}

// ToolCallResult is the raw outcome of one tool call. The engine does not
// interpret Content.
type ToolCallResult struct {
	Content        string
	Duration       time.Duration
	Completed      bool // the run should stop after this iteration
	ShouldContinue bool // the tool asks for another iteration
	Metadata       map[string]any
	RateLimit      *RateLimitInfo
}

// IterationResult records one iteration, including its retried attempts.
type IterationResult struct {
	Iteration      int
	Success        bool
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	ToolResult     *ToolCallResult
	ProgressEvents []ProgressEvent
	ToolCalls      int
	Err            error
}

// ThroughputMetrics are per-run rates.
type ThroughputMetrics struct {
	IterationsPerMinute     float64
	ToolCallsPerMinute      float64
	ProgressEventsPerSecond float64
}

// PerformanceMetrics are coarse resource figures for a run.
type PerformanceMetrics struct {
	CPUUsage             float64
	MemoryUsage          float64
	NetworkRequests      float64
	FileSystemOperations float64
	Throughput           ThroughputMetrics
}

// ExecutionStatistics are the counters of one run.
type ExecutionStatistics struct {
	TotalIterations          int
	SuccessfulIterations     int
	FailedIterations         int
	AverageIterationDuration time.Duration
	TotalToolCalls           int
	TotalProgressEvents      int
	RateLimitEncounters      int
	RateLimitWaitTime        time.Duration
	ErrorBreakdown           map[ErrorCategory]int
	Performance              PerformanceMetrics
}

// Clone returns a deep copy suitable for keeping as a read-only snapshot.
func (s ExecutionStatistics) Clone() ExecutionStatistics {
	out := s
	out.ErrorBreakdown = make(map[ErrorCategory]int, len(s.ErrorBreakdown))
	for k, v := range s.ErrorBreakdown {
		out.ErrorBreakdown[k] = v
	}
	return out
}

// SessionState is the coarse state tag of a SessionContext.
type SessionState string

const (
	SessionInitializing SessionState = "initializing"
	SessionActive       SessionState = "active"
	SessionIdle         SessionState = "idle"
	SessionCompleted    SessionState = "completed"
)

// SystemUserID is used when a request carries no user.
const SystemUserID = "system"

// SessionContext is the per-run session record.
type SessionContext struct {
	SessionID       string
	StartTime       time.Time
	UserID          string
	Metadata        map[string]any
	LastActivity    time.Time
	State           SessionState
	ActiveToolCalls []string
}

// RateLimitInfo is what the tool client last reported about throttling.
type RateLimitInfo struct {
	Remaining int
	ResetTime *time.Time
}

// RateLimitState is the rate-limit view held by an ExecutionContext.
type RateLimitState struct {
	IsRateLimited bool
	Remaining     int
	ResetTime     *time.Time
	Wait          time.Duration
}

// ExecutionContext is the mutable state of one run. It is owned by a single
// Execute call and never shared.
type ExecutionContext struct {
	Request        *ExecutionRequest
	Status         ExecutionStatus
	StartTime      time.Time
	EndTime        *time.Time
	Iterations     []IterationResult
	Statistics     ExecutionStatistics
	ProgressEvents []ProgressEvent
	Err            error
	Session        SessionContext
	RateLimit      RateLimitState

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Context returns the run's cancellation token.
func (ec *ExecutionContext) Context() context.Context { return ec.ctx }

// Cancel fires the run's cancellation token.
func (ec *ExecutionContext) Cancel(cause error) { ec.cancel(cause) }

// ExecutionResult is returned by Engine.Execute.
type ExecutionResult struct {
	Request        *ExecutionRequest
	Status         ExecutionStatus
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	Iterations     []IterationResult
	Statistics     ExecutionStatistics
	Err            error
	Session        SessionContext
	ProgressEvents []ProgressEvent
}

// ProgressSink receives raw progress events during a tool call.
type ProgressSink func(ev ProgressEvent)

// ToolClient is the tool-invocation service the engine drives.
type ToolClient interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	CallTool(ctx context.Context, req ToolCallRequest, sink ProgressSink) (*ToolCallResult, error)
	RateLimitInfo() RateLimitInfo
	IsConnected() bool
	// ConnectionErrors delivers asynchronous transport failures. It may be nil.
	ConnectionErrors() <-chan error
}
