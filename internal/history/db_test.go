package history

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

func openDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func result(id, subagent string, status engine.ExecutionStatus, start time.Time, avg time.Duration, iterations int) *engine.ExecutionResult {
	res := &engine.ExecutionResult{
		Request: &engine.ExecutionRequest{
			RequestID:        id,
			Instruction:      "do it",
			Subagent:         subagent,
			WorkingDirectory: "/work",
			MaxIterations:    iterations,
		},
		Status:    status,
		StartTime: start,
		EndTime:   start.Add(time.Duration(iterations) * avg),
		Duration:  time.Duration(iterations) * avg,
		Session:   engine.SessionContext{SessionID: "session-" + id},
		Statistics: engine.ExecutionStatistics{
			TotalIterations:          iterations,
			SuccessfulIterations:     iterations,
			AverageIterationDuration: avg,
			TotalToolCalls:           iterations,
			ErrorBreakdown:           map[engine.ErrorCategory]int{},
		},
	}
	for i := 1; i <= iterations; i++ {
		res.Iterations = append(res.Iterations, engine.IterationResult{Iteration: i, Success: true, Duration: avg, ToolCalls: 1})
	}
	return res
}

func TestRecordAndGet(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	res := result("r1", "claude", engine.StatusFailed, start, 200*time.Millisecond, 2)
	res.Err = &engine.ToolExecutionError{ToolName: "claude_subagent", Err: errors.New("exit 2")}
	res.Iterations[1].Success = false
	res.Iterations[1].Err = res.Err
	res.Statistics.ErrorBreakdown[engine.CategoryToolExecution] = 1

	if err := db.RecordResult(ctx, res); err != nil {
		t.Fatalf("RecordResult failed: %v", err)
	}

	run, its, err := db.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if run.Status != engine.StatusFailed || run.Error == "" || run.SessionID != "session-r1" {
		t.Errorf("Unexpected run %+v", run)
	}
	if !run.StartTime.Equal(start) || run.Duration != 400*time.Millisecond {
		t.Errorf("Unexpected times %v %v", run.StartTime, run.Duration)
	}
	if run.Statistics.ErrorBreakdown[engine.CategoryToolExecution] != 1 {
		t.Errorf("Expected breakdown to round trip, got %v", run.Statistics.ErrorBreakdown)
	}
	if len(its) != 2 || its[1].Success || its[1].ErrorClass != engine.CategoryToolExecution {
		t.Errorf("Unexpected iterations %+v", its)
	}

	// Recording again replaces rather than duplicates.
	if err := db.RecordResult(ctx, res); err != nil {
		t.Fatalf("second RecordResult failed: %v", err)
	}
	if _, its, _ := db.Get(ctx, "r1"); len(its) != 2 {
		t.Errorf("Expected 2 iterations after re-record, got %d", len(its))
	}
}

func TestGetUnknown(t *testing.T) {
	db := openDB(t)
	if _, _, err := db.Get(context.Background(), "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Expected sql.ErrNoRows, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, r := range []*engine.ExecutionResult{
		result("a", "claude", engine.StatusCompleted, base, time.Second, 1),
		result("b", "codex", engine.StatusCompleted, base.Add(time.Hour), time.Second, 1),
		result("c", "claude", engine.StatusRateLimited, base.Add(2*time.Hour), time.Second, 1),
	} {
		if err := db.RecordResult(ctx, r); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"all newest first", Filter{}, []string{"c", "b", "a"}},
		{"by subagent", Filter{Subagent: "claude"}, []string{"c", "a"}},
		{"by status", Filter{Status: engine.StatusCompleted}, []string{"b", "a"}},
		{"since", Filter{Since: base.Add(30 * time.Minute)}, []string{"c", "b"}},
		{"limit", Filter{Limit: 1}, []string{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := db.List(ctx, tt.f)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("Expected %v, got %d runs", tt.want, len(runs))
			}
			for i, id := range tt.want {
				if runs[i].RequestID != id {
					t.Errorf("Position %d: expected %s, got %s", i, id, runs[i].RequestID)
				}
			}
		})
	}
}

func TestStatisticsWeightsByIterations(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	now := time.Now()

	if err := db.RecordResult(ctx, result("x", "claude", engine.StatusCompleted, now, 100*time.Millisecond, 3)); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordResult(ctx, result("y", "claude", engine.StatusCompleted, now, 200*time.Millisecond, 2)); err != nil {
		t.Fatal(err)
	}

	stats, err := db.Statistics(ctx, Filter{})
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.TotalIterations != 5 || stats.TotalToolCalls != 5 {
		t.Errorf("Unexpected totals %+v", stats)
	}
	if stats.AverageIterationDuration != 140*time.Millisecond {
		t.Errorf("Expected weighted mean 140ms, got %v", stats.AverageIterationDuration)
	}
}

func TestPrune(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := db.RecordResult(ctx, result("old", "claude", engine.StatusCompleted, old, time.Second, 1)); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordResult(ctx, result("new", "claude", engine.StatusCompleted, time.Now(), time.Second, 1)); err != nil {
		t.Fatal(err)
	}

	n, err := db.Prune(ctx, old.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("Expected 1 pruned run, got %d (%v)", n, err)
	}
	runs, _ := db.List(ctx, Filter{})
	if len(runs) != 1 || runs[0].RequestID != "new" {
		t.Errorf("Unexpected remaining runs %+v", runs)
	}
}
