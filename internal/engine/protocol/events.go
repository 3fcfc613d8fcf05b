package protocol

import (
	"encoding/json"
	"time"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// EventType enumerates engine -> client events.
type EventType string

const (
	EventStatus            EventType = "status"
	EventExecutionStart    EventType = "execution_start"
	EventIterationStart    EventType = "iteration_start"
	EventIterationComplete EventType = "iteration_complete"
	EventIterationError    EventType = "iteration_error"
	EventRateLimitStart    EventType = "rate_limit_start"
	EventRateLimitEnd      EventType = "rate_limit_end"
	EventProgress          EventType = "progress"
	EventExecutionComplete EventType = "execution_complete"
	EventRateLimitInfo     EventType = "rate_limit_info"
	EventStats             EventType = "stats"
	EventShutdownComplete  EventType = "shutdown_complete"
	EventError             EventType = "error"
)

// Event is implemented by every outgoing message.
type Event interface {
	isEvent()
	GetType() EventType
}

// MarshalEvent serializes an event into JSON for NDJSON transport.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

type eventBase struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
}

func (eventBase) isEvent() {}

// GetType implements Event.
func (e eventBase) GetType() EventType { return e.Type }

// StatusEvent communicates coarse engine state.
type StatusEvent struct {
	eventBase
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// NewStatusEvent constructs a status event.
func NewStatusEvent(status, detail string) StatusEvent {
	return StatusEvent{eventBase: eventBase{Type: EventStatus}, Status: status, Detail: detail}
}

// ExecutionStartEvent announces a run.
type ExecutionStartEvent struct {
	eventBase
	SessionID     string `json:"session_id,omitempty"`
	Subagent      string `json:"subagent,omitempty"`
	MaxIterations int    `json:"max_iterations"`
}

// IterationEvent reports the start or end of an iteration.
type IterationEvent struct {
	eventBase
	Iteration  int    `json:"iteration"`
	Success    *bool  `json:"success,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	ToolCalls  int    `json:"tool_calls,omitempty"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
}

// IterationErrorEvent reports one failed attempt.
type IterationErrorEvent struct {
	eventBase
	Iteration int    `json:"iteration"`
	Category  string `json:"category"`
	Message   string `json:"message"`
}

// RateLimitEvent reports the start or end of a backoff wait.
type RateLimitEvent struct {
	eventBase
	WaitMs  int64  `json:"wait_ms"`
	Message string `json:"message,omitempty"`
}

// ProgressEvent forwards a processed progress event.
type ProgressEvent struct {
	eventBase
	EventID   string         `json:"event_id"`
	SessionID string         `json:"session_id,omitempty"`
	Iteration int            `json:"iteration"`
	Kind      string         `json:"kind"`
	Backend   string         `json:"backend,omitempty"`
	ToolID    string         `json:"tool_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Progress  float64        `json:"progress,omitempty"`
	Total     float64        `json:"total,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewProgressEvent converts an engine progress event.
func NewProgressEvent(requestID string, ev engine.ProgressEvent) ProgressEvent {
	return ProgressEvent{
		eventBase: eventBase{Type: EventProgress, RequestID: requestID},
		EventID:   ev.ID,
		SessionID: ev.SessionID,
		Iteration: ev.Iteration,
		Kind:      string(ev.Type),
		Backend:   ev.Backend,
		ToolID:    ev.ToolID,
		Content:   ev.Content,
		Progress:  ev.Progress,
		Total:     ev.Total,
		Timestamp: ev.Timestamp,
		Metadata:  ev.Metadata,
	}
}

// Statistics is the wire form of engine.ExecutionStatistics.
type Statistics struct {
	TotalIterations         int            `json:"total_iterations"`
	SuccessfulIterations    int            `json:"successful_iterations"`
	FailedIterations        int            `json:"failed_iterations"`
	AverageIterationMs      int64          `json:"average_iteration_ms"`
	TotalToolCalls          int            `json:"total_tool_calls"`
	TotalProgressEvents     int            `json:"total_progress_events"`
	RateLimitEncounters     int            `json:"rate_limit_encounters"`
	RateLimitWaitMs         int64          `json:"rate_limit_wait_ms"`
	ErrorBreakdown          map[string]int `json:"error_breakdown"`
	MemoryUsage             float64        `json:"memory_usage"`
	NetworkRequests         float64        `json:"network_requests"`
	IterationsPerMinute     float64        `json:"iterations_per_minute"`
	ToolCallsPerMinute      float64        `json:"tool_calls_per_minute"`
	ProgressEventsPerSecond float64        `json:"progress_events_per_second"`
}

// NewStatistics converts engine statistics.
func NewStatistics(s engine.ExecutionStatistics) Statistics {
	out := Statistics{
		TotalIterations:         s.TotalIterations,
		SuccessfulIterations:    s.SuccessfulIterations,
		FailedIterations:        s.FailedIterations,
		AverageIterationMs:      s.AverageIterationDuration.Milliseconds(),
		TotalToolCalls:          s.TotalToolCalls,
		TotalProgressEvents:     s.TotalProgressEvents,
		RateLimitEncounters:     s.RateLimitEncounters,
		RateLimitWaitMs:         s.RateLimitWaitTime.Milliseconds(),
		ErrorBreakdown:          make(map[string]int, len(s.ErrorBreakdown)),
		MemoryUsage:             s.Performance.MemoryUsage,
		NetworkRequests:         s.Performance.NetworkRequests,
		IterationsPerMinute:     s.Performance.Throughput.IterationsPerMinute,
		ToolCallsPerMinute:      s.Performance.Throughput.ToolCallsPerMinute,
		ProgressEventsPerSecond: s.Performance.Throughput.ProgressEventsPerSecond,
	}
	for k, v := range s.ErrorBreakdown {
		out.ErrorBreakdown[string(k)] = v
	}
	return out
}

// ExecutionCompleteEvent reports a finished run.
type ExecutionCompleteEvent struct {
	eventBase
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Iterations int        `json:"iterations"`
	Statistics Statistics `json:"statistics"`
}

// NewExecutionCompleteEvent converts an engine result.
func NewExecutionCompleteEvent(res *engine.ExecutionResult) ExecutionCompleteEvent {
	ev := ExecutionCompleteEvent{
		eventBase:  eventBase{Type: EventExecutionComplete, RequestID: res.Request.RequestID},
		Status:     string(res.Status),
		DurationMs: res.Duration.Milliseconds(),
		Iterations: len(res.Iterations),
		Statistics: NewStatistics(res.Statistics),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	return ev
}

// RateLimitInfoEvent answers rate_limit_info.
type RateLimitInfoEvent struct {
	eventBase
	Remaining int        `json:"remaining"`
	ResetTime *time.Time `json:"reset_time,omitempty"`
}

// NewRateLimitInfoEvent converts the engine's rate-limit view.
func NewRateLimitInfoEvent(info engine.RateLimitInfo) RateLimitInfoEvent {
	return RateLimitInfoEvent{eventBase: eventBase{Type: EventRateLimitInfo}, Remaining: info.Remaining, ResetTime: info.ResetTime}
}

// StatsEvent answers stats.
type StatsEvent struct {
	eventBase
	Runs       int        `json:"runs"`
	Statistics Statistics `json:"statistics"`
}

// NewStatsEvent builds a stats event over runs finished runs.
func NewStatsEvent(runs int, s engine.ExecutionStatistics) StatsEvent {
	return StatsEvent{eventBase: eventBase{Type: EventStats}, Runs: runs, Statistics: NewStatistics(s)}
}

// ShutdownCompleteEvent reports the end of a shutdown.
type ShutdownCompleteEvent struct {
	eventBase
	Error string `json:"error,omitempty"`
}

// NewShutdownCompleteEvent constructs a shutdown_complete event.
func NewShutdownCompleteEvent(err error) ShutdownCompleteEvent {
	ev := ShutdownCompleteEvent{eventBase: eventBase{Type: EventShutdownComplete}}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// ErrorEvent reports recoverable protocol or engine issues.
type ErrorEvent struct {
	eventBase
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

// NewErrorEvent constructs an error event.
func NewErrorEvent(requestID, message, kind, details string) ErrorEvent {
	return ErrorEvent{
		eventBase: eventBase{Type: EventError, RequestID: requestID},
		Message:   message,
		Kind:      kind,
		Details:   details,
	}
}

// FromEngine converts an event produced by engine.ChannelHook. It returns
// false for kinds that have no wire form.
func FromEngine(ev engine.Event) (Event, bool) {
	base := eventBase{Type: EventType(ev.Kind), RequestID: ev.RequestID}
	switch ev.Kind {
	case "execution_start":
		m, _ := ev.Data.(map[string]any)
		out := ExecutionStartEvent{eventBase: base}
		out.SessionID, _ = m["session_id"].(string)
		out.Subagent, _ = m["subagent"].(string)
		out.MaxIterations, _ = m["max_iterations"].(int)
		return out, true
	case "iteration_start":
		i, _ := ev.Data.(int)
		return IterationEvent{eventBase: base, Iteration: i}, true
	case "iteration_complete":
		it, ok := ev.Data.(engine.IterationResult)
		if !ok {
			return nil, false
		}
		success := it.Success
		out := IterationEvent{
			eventBase:  base,
			Iteration:  it.Iteration,
			Success:    &success,
			DurationMs: it.Duration.Milliseconds(),
			ToolCalls:  it.ToolCalls,
		}
		if it.ToolResult != nil {
			out.Content = engine.TruncateContent(it.ToolResult.Content, 2000)
		}
		if it.Err != nil {
			out.Error = it.Err.Error()
		}
		return out, true
	case "iteration_error":
		m, _ := ev.Data.(map[string]any)
		out := IterationErrorEvent{eventBase: base}
		out.Iteration, _ = m["iteration"].(int)
		out.Category, _ = m["category"].(string)
		out.Message, _ = m["error"].(string)
		return out, true
	case "rate_limit_start":
		m, _ := ev.Data.(map[string]any)
		wait, _ := m["wait"].(time.Duration)
		msg, _ := m["error"].(string)
		return RateLimitEvent{eventBase: base, WaitMs: wait.Milliseconds(), Message: msg}, true
	case "rate_limit_end":
		waited, _ := ev.Data.(time.Duration)
		return RateLimitEvent{eventBase: base, WaitMs: waited.Milliseconds()}, true
	case "progress":
		pe, ok := ev.Data.(engine.ProgressEvent)
		if !ok {
			return nil, false
		}
		return NewProgressEvent(ev.RequestID, pe), true
	case "execution_complete":
		res, ok := ev.Data.(*engine.ExecutionResult)
		if !ok {
			return nil, false
		}
		return NewExecutionCompleteEvent(res), true
	case "engine_error", "shutdown_error":
		msg, _ := ev.Data.(string)
		return NewErrorEvent(ev.RequestID, msg, ev.Kind, ""), true
	case "shutdown_complete":
		return NewShutdownCompleteEvent(nil), true
	}
	return nil, false
}
