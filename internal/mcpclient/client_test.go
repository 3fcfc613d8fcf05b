package mcpclient

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

type subagentArgs struct {
	Instruction string `json:"instruction"`
	ProjectPath string `json:"project_path"`
	Iteration   int    `json:"iteration"`
	Model       string `json:"model,omitempty"`
	Timeout     int64  `json:"timeout,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type fakeServer struct {
	progressSeen chan struct{}
	reset        time.Time
}

func (f *fakeServer) handle(ctx context.Context, req *mcp.CallToolRequest, in subagentArgs) (*mcp.CallToolResult, any, error) {
	switch in.Instruction {
	case "progress":
		err := req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
			ProgressToken: req.Params.GetProgressToken(),
			Message:       "editing main.go",
			Progress:      1,
			Total:         2,
			Meta:          mcp.Meta{"type": "tool_start", "backend": "claude"},
		})
		if err != nil {
			return nil, nil, err
		}
		select {
		case <-f.progressSeen:
		case <-time.After(5 * time.Second):
			return nil, nil, errors.New("progress never observed")
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "edited"}}}, nil, nil
	case "finish":
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "all done"}},
			Meta:    mcp.Meta{"completed": true},
		}, nil, nil
	case "throttle":
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "slow down"}},
			Meta: mcp.Meta{
				"rate_limited":         true,
				"rate_limit_reset":     f.reset.Format(time.RFC3339),
				"rate_limit_remaining": 0,
			},
		}, nil, nil
	case "crash":
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "agent exited with status 1"}},
		}, nil, nil
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "iteration " + in.ProjectPath}}}, nil, nil
}

// connectedClient starts an in-memory server and a client connected to it.
func connectedClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "fake-subagents", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "claude_subagent", Description: "runs claude"}, f.handle)

	ctx := context.Background()
	client := NewWithTransport(Config{}, func() (mcp.Transport, error) {
		serverT, clientT := mcp.NewInMemoryTransports()
		if _, err := server.Connect(ctx, serverT, nil); err != nil {
			return nil, err
		}
		return clientT, nil
	})
	client.SetLogger(log.New(io.Discard, "", 0))

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(ctx) })
	return client
}

func call(instruction string) engine.ToolCallRequest {
	return engine.ToolCallRequest{
		ToolName:  "claude_subagent",
		Iteration: 1,
		Arguments: map[string]any{"instruction": instruction, "project_path": "/work", "iteration": 1},
	}
}

func TestCallToolReturnsContent(t *testing.T) {
	client := connectedClient(t, &fakeServer{})

	res, err := client.CallTool(context.Background(), call("plain"), nil)
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.Content != "iteration /work" {
		t.Errorf("Expected content %q, got %q", "iteration /work", res.Content)
	}
	if res.Completed {
		t.Errorf("Expected result not to signal completion")
	}
}

func TestCallToolCompletionFlag(t *testing.T) {
	client := connectedClient(t, &fakeServer{})

	res, err := client.CallTool(context.Background(), call("finish"), nil)
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if !res.Completed {
		t.Errorf("Expected completed flag from _meta")
	}
}

func TestCallToolStreamsProgress(t *testing.T) {
	f := &fakeServer{progressSeen: make(chan struct{})}
	client := connectedClient(t, f)

	events := make(chan engine.ProgressEvent, 1)
	sink := func(ev engine.ProgressEvent) {
		events <- ev
		close(f.progressSeen)
	}
	if _, err := client.CallTool(context.Background(), call("progress"), sink); err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}

	ev := <-events
	if ev.Content != "editing main.go" || ev.Progress != 1 || ev.Total != 2 {
		t.Errorf("Unexpected event %+v", ev)
	}
	if ev.Type != engine.ProgressToolStart || ev.Backend != "claude" {
		t.Errorf("Expected type and backend from meta, got %s/%s", ev.Type, ev.Backend)
	}
}

func TestCallToolRateLimit(t *testing.T) {
	reset := time.Now().Add(time.Minute).Truncate(time.Second)
	client := connectedClient(t, &fakeServer{reset: reset})

	_, err := client.CallTool(context.Background(), call("throttle"), nil)
	var rl *engine.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("Expected RateLimitError, got %v", err)
	}
	if rl.ResetTime == nil || !rl.ResetTime.Equal(reset) {
		t.Errorf("Expected reset %v, got %v", reset, rl.ResetTime)
	}
	info := client.RateLimitInfo()
	if info.ResetTime == nil || info.Remaining != 0 {
		t.Errorf("Expected client to remember rate limit, got %+v", info)
	}
}

func TestCallToolErrorResult(t *testing.T) {
	client := connectedClient(t, &fakeServer{})

	_, err := client.CallTool(context.Background(), call("crash"), nil)
	var te *engine.ToolExecutionError
	if !errors.As(err, &te) {
		t.Fatalf("Expected ToolExecutionError, got %T: %v", err, err)
	}
	if te.ToolName != "claude_subagent" {
		t.Errorf("Expected tool name, got %q", te.ToolName)
	}
}

func TestCallToolNotConnected(t *testing.T) {
	client := NewWithTransport(Config{}, func() (mcp.Transport, error) {
		return nil, errors.New("no transport")
	})

	_, err := client.CallTool(context.Background(), call("plain"), nil)
	var ce *engine.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConnectionError, got %v", err)
	}
	if err := client.Connect(context.Background()); !errors.As(err, &ce) {
		t.Errorf("Expected ConnectionError from Connect, got %v", err)
	}
	if client.IsConnected() {
		t.Errorf("Client must not report connected")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	client := connectedClient(t, &fakeServer{})
	if !client.IsConnected() {
		t.Fatalf("Expected connected client")
	}
	for i := 0; i < 2; i++ {
		if err := client.Disconnect(context.Background()); err != nil {
			t.Errorf("Disconnect %d failed: %v", i, err)
		}
	}
	if client.IsConnected() {
		t.Errorf("Expected disconnected client")
	}
}

func TestEngineOverMCP(t *testing.T) {
	client := connectedClient(t, &fakeServer{})
	e := engine.New(client, engine.DefaultEngineConfig())

	res, err := e.Execute(context.Background(), &engine.ExecutionRequest{
		RequestID:        "mcp-1",
		Instruction:      "finish",
		Subagent:         "claude",
		WorkingDirectory: "/work",
		MaxIterations:    engine.Unlimited,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != engine.StatusCompleted || len(res.Iterations) != 1 {
		t.Errorf("Expected one completed iteration, got %s with %d", res.Status, len(res.Iterations))
	}
	if err := e.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if client.IsConnected() {
		t.Errorf("Shutdown should disconnect the client")
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"PATH=/bin", "HOME=/root"}, map[string]string{"HOME": "/tmp", "JUNO_TOKEN": "abc"})
	want := []string{"PATH=/bin", "HOME=/tmp", "JUNO_TOKEN=abc"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
			break
		}
	}
}

func TestParseReset(t *testing.T) {
	if got := parseReset(float64(1700000000)); got == nil || got.Unix() != 1700000000 {
		t.Errorf("Expected unix seconds to parse, got %v", got)
	}
	if got := parseReset("2026-01-02T03:04:05Z"); got == nil || got.Year() != 2026 {
		t.Errorf("Expected RFC 3339 to parse, got %v", got)
	}
	if got := parseReset("soon"); got != nil {
		t.Errorf("Expected garbage to be ignored, got %v", got)
	}
}
