package engine

import (
	"errors"
	"time"
)

// RateLimitConfig controls backoff on rate-limit failures.
type RateLimitConfig struct {
	Enabled     bool
	DefaultWait time.Duration // used when the service gives no reset time
	MaxWait     time.Duration // longer waits fail the run without sleeping
	MaxRetries  int           // backoff cycles per iteration; 0 means no bound
}

// computeWait returns how long to back off for rlErr at now. info is the
// client's last report and only supplies a reset time the error lacks.
func computeWait(rlErr *RateLimitError, info RateLimitInfo, cfg RateLimitConfig, now time.Time) time.Duration {
	reset := rlErr.ResetTime
	if reset == nil {
		reset = info.ResetTime
	}
	if reset == nil {
		return cfg.DefaultWait
	}
	if wait := reset.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// backoffPlan decides the rate-limit response for err. It returns the wait to
// sleep, or a terminal error when the run has to stop.
func backoffPlan(err error, info RateLimitInfo, cfg RateLimitConfig, now time.Time, cycles int) (time.Duration, error) {
	if !cfg.Enabled {
		return 0, err
	}
	if cfg.MaxRetries > 0 && cycles >= cfg.MaxRetries {
		return 0, &RetryExhaustedError{Err: err, Attempts: cycles + 1}
	}

	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		rlErr = &RateLimitError{Err: err}
	}

	wait := computeWait(rlErr, info, cfg, now)
	if cfg.MaxWait > 0 && wait > cfg.MaxWait {
		return 0, &RateLimitWaitError{Wait: wait, MaxWait: cfg.MaxWait}
	}
	return wait, nil
}

// rateLimitState builds the context view of a rate-limit signal.
func rateLimitState(err error, info RateLimitInfo, wait time.Duration) RateLimitState {
	st := RateLimitState{
		IsRateLimited: true,
		Remaining:     info.Remaining,
		ResetTime:     info.ResetTime,
		Wait:          wait,
	}
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		st.Remaining = rlErr.Remaining
		if rlErr.ResetTime != nil {
			st.ResetTime = rlErr.ResetTime
		}
	}
	return st
}
