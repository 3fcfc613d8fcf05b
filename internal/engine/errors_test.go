package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	reset := time.Now()
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"connection", &ConnectionError{Err: errors.New("x")}, CategoryConnection},
		{"wrapped connection", fmt.Errorf("call: %w", &ConnectionError{Err: errors.New("x")}), CategoryConnection},
		{"timeout", &TimeoutError{Err: errors.New("x")}, CategoryTimeout},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"rate limit", &RateLimitError{Err: errors.New("x"), ResetTime: &reset}, CategoryRateLimit},
		{"wait exceeded", &RateLimitWaitError{Wait: time.Hour, MaxWait: time.Minute}, CategoryRateLimit},
		{"validation", &ValidationError{Field: "f", Reason: "r"}, CategoryValidation},
		{"schema validation", &ToolValidationError{ToolName: "t", Errors: []string{"bad"}}, CategoryValidation},
		{"message 429", errors.New("HTTP 429 Too Many Requests"), CategoryRateLimit},
		{"message refused", errors.New("dial tcp: connection refused"), CategoryConnection},
		{"message timed out", errors.New("request timed out"), CategoryTimeout},
		{"unknown", errors.New("segfault in agent"), CategoryToolExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ExecutionStatus
	}{
		{"nil", nil, StatusCompleted},
		{"connection", &ConnectionError{Err: errors.New("x")}, StatusFailed},
		{"validation", &ValidationError{Field: "f"}, StatusFailed},
		{"unknown", &ToolExecutionError{Err: errors.New("x")}, StatusFailed},
		{"timeout", &TimeoutError{Err: errors.New("x")}, StatusTimeout},
		{"rate limit", &RateLimitError{Err: errors.New("x")}, StatusRateLimited},
		{"wait exceeded", &RateLimitWaitError{Wait: time.Hour, MaxWait: time.Minute}, StatusFailed},
		{"aborted", fmt.Errorf("%w: %w", ErrExecutionAborted, context.Canceled), StatusCancelled},
		{"shutdown", ErrEngineShuttingDown, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusForError(tt.err); got != tt.want {
				t.Errorf("StatusForError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestNormalizeErrorStringifiesNonErrors(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want string
	}{
		{"nil", nil, "tool claude_subagent failed: <nil>"},
		{"string", "exploded", "tool claude_subagent failed: exploded"},
		{"number", 42, "tool claude_subagent failed: 42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeError(tt.v, "claude_subagent")
			var te *ToolExecutionError
			if !errors.As(err, &te) {
				t.Fatalf("Expected ToolExecutionError, got %T", err)
			}
			if err.Error() != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, err.Error())
			}
		})
	}
}

func TestNormalizeErrorKeepsMessage(t *testing.T) {
	orig := errors.New("agent crashed: exit status 2")
	err := NormalizeError(orig, "codex_subagent")
	if !errors.Is(err, orig) {
		t.Errorf("Expected wrapped error to unwrap to the original")
	}

	conn := NormalizeError(errors.New("write: broken pipe"), "codex_subagent")
	var ce *ConnectionError
	if !errors.As(conn, &ce) {
		t.Errorf("Expected ConnectionError, got %T", conn)
	}
}

func TestDecideRecovery(t *testing.T) {
	cause := errors.New("x")
	recovered := func(context.Context, error) (bool, error) { return true, nil }
	tests := []struct {
		name    string
		cat     ErrorCategory
		policy  RecoveryPolicy
		retries int
		want    RecoveryAction
	}{
		{"validation always aborts", CategoryValidation, RecoveryPolicy{ContinueOnError: true, MaxRetries: 5}, 0, ActionAbort},
		{"rate limit not governed", CategoryRateLimit, RecoveryPolicy{ContinueOnError: true}, 0, ActionAbort},
		{"abort without continue", CategoryConnection, RecoveryPolicy{ContinueOnError: false, MaxRetries: 3}, 0, ActionAbort},
		{"retry while budget left", CategoryConnection, RecoveryPolicy{ContinueOnError: true, MaxRetries: 2}, 1, ActionRetry},
		{"continue when exhausted", CategoryConnection, RecoveryPolicy{ContinueOnError: true, MaxRetries: 2}, 2, ActionContinue},
		{"timeout continue", CategoryTimeout, RecoveryPolicy{ContinueOnError: true}, 0, ActionContinue},
		{"recovered retries without budget", CategoryToolExecution, RecoveryPolicy{Recover: recovered}, 4, ActionRetry},
		{"recovered retries despite continue", CategoryToolExecution, RecoveryPolicy{ContinueOnError: true, Recover: recovered}, 0, ActionRetry},
		{"recovered bounded by budget", CategoryConnection, RecoveryPolicy{MaxRetries: 2, Recover: recovered}, 2, ActionAbort},
		{"recovered exhausted continues", CategoryConnection, RecoveryPolicy{ContinueOnError: true, MaxRetries: 2, Recover: recovered}, 2, ActionContinue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RecoveryConfig{Connection: tt.policy, Timeout: tt.policy, ToolExecution: tt.policy}
			d := decideRecovery(context.Background(), cfg, tt.cat, cause, tt.retries)
			if d.Action != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, d.Action)
			}
		})
	}
}

func TestBackoffPlan(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	soon := now.Add(2 * time.Second)
	late := now.Add(time.Hour)
	cfg := RateLimitConfig{Enabled: true, DefaultWait: 30 * time.Second, MaxWait: time.Minute}

	tests := []struct {
		name     string
		err      error
		info     RateLimitInfo
		wantWait time.Duration
		wantErr  bool
	}{
		{"reset in future", &RateLimitError{ResetTime: &soon}, RateLimitInfo{}, 2 * time.Second, false},
		{"reset in past", &RateLimitError{ResetTime: &past}, RateLimitInfo{}, 0, false},
		{"no reset uses default", &RateLimitError{}, RateLimitInfo{}, 30 * time.Second, false},
		{"client reset fills gap", &RateLimitError{}, RateLimitInfo{ResetTime: &soon}, 2 * time.Second, false},
		{"too long", &RateLimitError{ResetTime: &late}, RateLimitInfo{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wait, err := backoffPlan(tt.err, tt.info, cfg, now, 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("backoffPlan() error = %v, wantErr %v", err, tt.wantErr)
			}
			if wait != tt.wantWait {
				t.Errorf("Expected wait %v, got %v", tt.wantWait, wait)
			}
		})
	}
}
