package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    CommandType
		wantErr string
	}{
		{"execute", `{"type":"execute","request_id":"r1","instruction":"fix","working_directory":"/w","max_iterations":3}`, CommandExecute, ""},
		{"execute missing instruction", `{"type":"execute","working_directory":"/w"}`, "", "requires instruction"},
		{"execute negative timeout", `{"type":"execute","instruction":"x","working_directory":"/w","timeout_ms":-1}`, "", "timeout_ms"},
		{"cancel", `{"type":"cancel","request_id":"r1"}`, CommandCancel, ""},
		{"cancel without id", `{"type":"cancel"}`, "", "requires request_id"},
		{"rate limit", `{"type":"rate_limit_info"}`, CommandRateLimitInfo, ""},
		{"stats", `{"type":"stats"}`, CommandStats, ""},
		{"shutdown", `{"type":"shutdown","timeout_ms":500}`, CommandShutdown, ""},
		{"unknown", `{"type":"dance"}`, "", "unknown command type"},
		{"garbage", `{`, "", "decode command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand([]byte(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeCommand failed: %v", err)
			}
			if cmd.GetType() != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, cmd.GetType())
			}
		})
	}
}

func TestExecuteCommandDefaultsRequestID(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"execute","instruction":"fix","working_directory":"/w","timeout_ms":1500,"priority":"high"}`))
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	exec := cmd.(ExecuteCommand)
	if exec.RequestID == "" {
		t.Fatalf("Expected generated request id")
	}
	req := exec.Request()
	if req.Timeout != 1500*time.Millisecond || req.Priority != engine.PriorityHigh {
		t.Errorf("Unexpected request %+v", req)
	}
}

func TestFromEngine(t *testing.T) {
	res := &engine.ExecutionResult{
		Request:  &engine.ExecutionRequest{RequestID: "r9"},
		Status:   engine.StatusRateLimited,
		Duration: 2 * time.Second,
		Err:      errors.New("slow down"),
		Statistics: engine.ExecutionStatistics{
			TotalIterations: 1,
			ErrorBreakdown:  map[engine.ErrorCategory]int{engine.CategoryRateLimit: 2},
		},
	}

	tests := []struct {
		in   engine.Event
		want EventType
	}{
		{engine.Event{Kind: "execution_start", RequestID: "r9", Data: map[string]any{"subagent": "claude", "max_iterations": 3, "session_id": "session-r9"}}, EventExecutionStart},
		{engine.Event{Kind: "iteration_start", RequestID: "r9", Data: 1}, EventIterationStart},
		{engine.Event{Kind: "iteration_complete", RequestID: "r9", Data: engine.IterationResult{Iteration: 1, Success: true}}, EventIterationComplete},
		{engine.Event{Kind: "rate_limit_start", RequestID: "r9", Data: map[string]any{"wait": time.Second, "error": "429"}}, EventRateLimitStart},
		{engine.Event{Kind: "progress", RequestID: "r9", Data: engine.ProgressEvent{ID: "e1", Type: engine.ProgressInfo}}, EventProgress},
		{engine.Event{Kind: "execution_complete", RequestID: "r9", Data: res}, EventExecutionComplete},
		{engine.Event{Kind: "engine_error", Data: "boom"}, EventError},
	}
	for _, tt := range tests {
		ev, ok := FromEngine(tt.in)
		if !ok {
			t.Errorf("%s: expected conversion", tt.in.Kind)
			continue
		}
		if ev.GetType() != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.in.Kind, tt.want, ev.GetType())
		}
	}

	if _, ok := FromEngine(engine.Event{Kind: "shutdown_start"}); ok {
		t.Errorf("shutdown_start has no wire form")
	}
}

func TestExecutionCompleteWireFormat(t *testing.T) {
	res := &engine.ExecutionResult{
		Request:  &engine.ExecutionRequest{RequestID: "r1"},
		Status:   engine.StatusCompleted,
		Duration: 1500 * time.Millisecond,
		Statistics: engine.ExecutionStatistics{
			TotalIterations:          2,
			AverageIterationDuration: 750 * time.Millisecond,
			ErrorBreakdown:           map[engine.ErrorCategory]int{engine.CategoryTimeout: 1},
		},
	}
	data, err := MarshalEvent(NewExecutionCompleteEvent(res))
	if err != nil {
		t.Fatalf("MarshalEvent failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["type"] != "execution_complete" || got["request_id"] != "r1" || got["status"] != "completed" {
		t.Errorf("Unexpected envelope %s", data)
	}
	stats := got["statistics"].(map[string]any)
	if stats["average_iteration_ms"] != float64(750) {
		t.Errorf("Unexpected statistics %v", stats)
	}
	if stats["error_breakdown"].(map[string]any)["timeout"] != float64(1) {
		t.Errorf("Unexpected breakdown %v", stats["error_breakdown"])
	}
}
