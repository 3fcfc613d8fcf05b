package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

func TestStore(t *testing.T) {
	tmpDir := t.TempDir()

	store := NewStore(tmpDir)
	workDir := "/path/to/my/project"

	session := &Session{
		ID:               "session-req-1",
		RequestID:        "req-1",
		WorkingDirectory: workDir,
		Title:            "Test Session",
		Status:           engine.StatusCompleted,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
		Iterations: []IterationRecord{
			{Iteration: 1, Success: true, Content: "done"},
			{Iteration: 2, Success: false, Error: "boom"},
		},
	}

	if err := store.Save(session); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	expectedPath := filepath.Join(tmpDir, "sessions", store.DirHash(workDir), "session-req-1.json")
	if _, err := os.Stat(expectedPath); os.IsNotExist(err) {
		t.Errorf("Expected session file to exist at %s", expectedPath)
	}

	loaded, err := store.Load(session.ID, workDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.ID != session.ID {
		t.Errorf("Expected ID %s, got %s", session.ID, loaded.ID)
	}
	if len(loaded.Iterations) != 2 {
		t.Errorf("Expected 2 iterations, got %d", len(loaded.Iterations))
	}

	list, err := store.List(workDir)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("Expected 1 session in list, got %d", len(list))
	}
	if list[0].Title != session.Title || list[0].Status != engine.StatusCompleted {
		t.Errorf("Unexpected meta %+v", list[0])
	}

	other, err := store.List("/another/project")
	if err != nil || len(other) != 0 {
		t.Errorf("Expected no sessions for another directory, got %v (%v)", other, err)
	}
}

func TestDirHashIsStable(t *testing.T) {
	s := NewStore(t.TempDir())
	if s.DirHash("/a/b/") != s.DirHash("/a/b") {
		t.Errorf("Expected cleaned paths to hash the same")
	}
	if s.DirHash("/a/b") == s.DirHash("/a/c") {
		t.Errorf("Expected different directories to hash differently")
	}
	if len(s.DirHash("/a")) != 12 {
		t.Errorf("Expected 12 hex chars, got %q", s.DirHash("/a"))
	}
}

func TestRecordResult(t *testing.T) {
	store := NewStore(t.TempDir())
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	res := &engine.ExecutionResult{
		Request: &engine.ExecutionRequest{
			RequestID:        "req-7",
			Instruction:      "Refactor the parser into smaller functions and add tests\nthen commit",
			Subagent:         "codex",
			WorkingDirectory: "/work",
		},
		Status:    engine.StatusFailed,
		StartTime: start,
		EndTime:   start.Add(3 * time.Second),
		Duration:  3 * time.Second,
		Err:       &engine.ToolExecutionError{ToolName: "codex_subagent", Err: errors.New("exit 1")},
		Session:   engine.SessionContext{SessionID: "session-req-7", UserID: "alice"},
		Iterations: []engine.IterationResult{
			{Iteration: 1, Success: true, ToolResult: &engine.ToolCallResult{Content: "split parser"}},
			{Iteration: 2, Err: &engine.ToolExecutionError{ToolName: "codex_subagent", Err: errors.New("exit 1")}},
		},
		Statistics: engine.ExecutionStatistics{TotalIterations: 2, SuccessfulIterations: 1, FailedIterations: 1},
	}

	if err := store.RecordResult(context.Background(), res); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}

	sess, err := store.Load("session-req-7", "/work")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if sess.Title != "Refactor the parser into smaller functions..." {
		t.Errorf("Unexpected title %q", sess.Title)
	}
	if sess.UserID != "alice" || sess.Status != engine.StatusFailed {
		t.Errorf("Unexpected session %+v", sess)
	}
	if got := sess.Iterations[1].ErrorClass; got != string(engine.CategoryToolExecution) {
		t.Errorf("Expected tool_execution class, got %q", got)
	}
	if !strings.Contains(sess.Summary, "failed after 2 iteration(s)") || !strings.Contains(sess.Summary, "split parser") {
		t.Errorf("Unexpected summary %q", sess.Summary)
	}
}

func TestTitle(t *testing.T) {
	tests := map[string]string{
		"":                   "New Session",
		"  fix the bug  ":    "fix the bug",
		"one\ntwo three":     "one",
		"a b c d e f g h":    "a b c d e f...",
	}
	for in, want := range tests {
		if got := Title(in); got != want {
			t.Errorf("Title(%q) = %q, want %q", in, got, want)
		}
	}
}
