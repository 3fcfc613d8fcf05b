package engine

import (
	"context"
	"fmt"
	"time"
)

// RecoverFunc attempts custom recovery from err. Returning true retries the
// iteration in place. Returning false, an error, or panicking falls back to
// the category's ContinueOnError setting.
type RecoverFunc func(ctx context.Context, err error) (bool, error)

// RecoveryPolicy defines how failures of one error category are handled.
type RecoveryPolicy struct {
	ContinueOnError bool          // false aborts the run on first occurrence
	RetryDelay      time.Duration // Fixed delay before any in-place retry
	MaxRetries      int           // In-place retries per iteration before moving on; 0 leaves recovered retries unbounded
	Recover         RecoverFunc   // Optional
}

// RecoveryConfig holds one policy per recoverable category. Validation errors
// are never recovered and rate limits go through RateLimitConfig.
type RecoveryConfig struct {
	Connection    RecoveryPolicy
	Timeout       RecoveryPolicy
	ToolExecution RecoveryPolicy
}

// Policy returns the policy for cat. ok is false for categories that are
// not governed by a RecoveryPolicy.
func (c RecoveryConfig) Policy(cat ErrorCategory) (p RecoveryPolicy, ok bool) {
	switch cat {
	case CategoryConnection:
		return c.Connection, true
	case CategoryTimeout:
		return c.Timeout, true
	case CategoryToolExecution:
		return c.ToolExecution, true
	case CategoryValidation, CategoryRateLimit:
		return RecoveryPolicy{}, false
	}
	return RecoveryPolicy{}, false
}

// RecoveryAction is the outcome of consulting the recovery policy.
type RecoveryAction int

const (
	ActionRetry    RecoveryAction = iota // retry the same iteration
	ActionContinue                       // record the failure and advance
	ActionAbort                          // record the failure and stop
)

func (a RecoveryAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionContinue:
		return "continue"
	case ActionAbort:
		return "abort"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// RecoveryDecision is what the loop should do about one failed attempt.
type RecoveryDecision struct {
	Action RecoveryAction
	Delay  time.Duration
	// RecoverErr is set when the custom recovery function failed or panicked.
	RecoverErr error
}

// decideRecovery applies the policy for cat to a failed attempt. retries is
// the number of in-place retries already made for the current iteration.
func decideRecovery(ctx context.Context, cfg RecoveryConfig, cat ErrorCategory, err error, retries int) RecoveryDecision {
	policy, ok := cfg.Policy(cat)
	if !ok {
		// Validation, and rate limits that could not be backed off.
		return RecoveryDecision{Action: ActionAbort}
	}

	recovered, recoverErr := runRecover(ctx, policy.Recover, err)
	if recovered {
		// A recovered failure is retried; MaxRetries bounds it only when set.
		if policy.MaxRetries <= 0 || retries < policy.MaxRetries {
			return RecoveryDecision{Action: ActionRetry, Delay: policy.RetryDelay}
		}
	} else {
		if !policy.ContinueOnError {
			return RecoveryDecision{Action: ActionAbort, RecoverErr: recoverErr}
		}
		if retries < policy.MaxRetries {
			return RecoveryDecision{Action: ActionRetry, Delay: policy.RetryDelay, RecoverErr: recoverErr}
		}
	}

	if policy.ContinueOnError {
		return RecoveryDecision{Action: ActionContinue, RecoverErr: recoverErr}
	}
	return RecoveryDecision{Action: ActionAbort, RecoverErr: recoverErr}
}

// runRecover calls fn and contains any panic it raises.
func runRecover(ctx context.Context, fn RecoverFunc, cause error) (ok bool, err error) {
	if fn == nil {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("recovery function panicked: %v", r)
		}
	}()
	ok, err = fn(ctx, cause)
	if err != nil {
		return false, fmt.Errorf("recovery function failed: %w", err)
	}
	return ok, nil
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled during wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
