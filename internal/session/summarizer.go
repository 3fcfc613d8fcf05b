package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// maxStoredContent caps the tool output kept per iteration.
const maxStoredContent = 4000

// Title derives a short title from the instruction: its first line, cut to
// at most six words.
func Title(instruction string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(instruction), "\n")
	words := strings.Fields(line)
	if len(words) == 0 {
		return "New Session"
	}
	if len(words) > 6 {
		return strings.Join(words[:6], " ") + "..."
	}
	return strings.Join(words, " ")
}

// Summarize renders the outcome of a run for the next session to pick up.
func Summarize(res *engine.ExecutionResult) string {
	var sb strings.Builder
	s := res.Statistics
	fmt.Fprintf(&sb, "Run %s finished %s after %d iteration(s) (%d ok, %d failed) in %s.",
		res.Request.RequestID, res.Status, s.TotalIterations, s.SuccessfulIterations, s.FailedIterations, res.Duration.Round(time.Millisecond))
	if s.RateLimitEncounters > 0 {
		fmt.Fprintf(&sb, " Rate limited %d time(s), waited %s.", s.RateLimitEncounters, s.RateLimitWaitTime)
	}
	if res.Err != nil {
		fmt.Fprintf(&sb, " Error: %v.", res.Err)
	}
	for i := len(res.Iterations) - 1; i >= 0; i-- {
		it := res.Iterations[i]
		if it.ToolResult != nil && strings.TrimSpace(it.ToolResult.Content) != "" {
			fmt.Fprintf(&sb, "\nLast output (iteration %d):\n%s", it.Iteration, engine.TruncateContent(it.ToolResult.Content, 500))
			break
		}
	}
	return sb.String()
}

// FromResult converts a finished run into a Session.
func FromResult(res *engine.ExecutionResult) *Session {
	req := res.Request
	sess := &Session{
		ID:               res.Session.SessionID,
		RequestID:        req.RequestID,
		WorkingDirectory: req.WorkingDirectory,
		Title:            Title(req.Instruction),
		Subagent:         req.Subagent,
		Model:            req.Model,
		UserID:           res.Session.UserID,
		Status:           res.Status,
		CreatedAt:        res.StartTime,
		UpdatedAt:        res.EndTime,
		Metadata:         res.Session.Metadata,
		Summary:          Summarize(res),
	}
	if res.Err != nil {
		sess.Error = res.Err.Error()
	}
	for _, it := range res.Iterations {
		rec := IterationRecord{
			Iteration: it.Iteration,
			Success:   it.Success,
			Duration:  it.Duration,
			ToolCalls: it.ToolCalls,
			Events:    len(it.ProgressEvents),
		}
		if it.ToolResult != nil {
			rec.Content = engine.TruncateContent(it.ToolResult.Content, maxStoredContent)
		}
		if it.Err != nil {
			rec.Error = it.Err.Error()
			rec.ErrorClass = string(engine.Classify(it.Err))
		}
		sess.Iterations = append(sess.Iterations, rec)
	}
	return sess
}
