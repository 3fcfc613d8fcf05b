package engine

import "time"

// EngineConfig holds all engine configuration options.
type EngineConfig struct {
	Recovery  RecoveryConfig
	RateLimit RateLimitConfig
	Progress  ProgressPipeline
	// ToolNames overrides or extends the subagent to tool name mapping.
	ToolNames map[string]string
	// DefaultModels overrides the model used when a request names none.
	DefaultModels map[string]string
	// ArgumentSchema is a JSON schema checked against every tool call's
	// arguments. Empty disables the check.
	ArgumentSchema string
	// HistoryLimit caps the statistics snapshots kept for aggregation.
	HistoryLimit int
}

// DefaultEngineConfig returns a default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Recovery:       DefaultRecoveryConfig(),
		RateLimit:      DefaultRateLimitConfig(),
		ArgumentSchema: DefaultArgumentSchema,
		HistoryLimit:   100,
	}
}

// DefaultRecoveryConfig returns sensible default recovery policies.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Connection: RecoveryPolicy{
			ContinueOnError: true,
			RetryDelay:      1 * time.Second,
			MaxRetries:      3,
		},
		Timeout: RecoveryPolicy{
			ContinueOnError: true,
			RetryDelay:      2 * time.Second,
			MaxRetries:      1,
		},
		ToolExecution: RecoveryPolicy{
			ContinueOnError: true,
			RetryDelay:      500 * time.Millisecond,
			MaxRetries:      0,
		},
	}
}

// DefaultRateLimitConfig returns the default backoff settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:     true,
		DefaultWait: 60 * time.Second,
		MaxWait:     5 * time.Minute,
		MaxRetries:  5,
	}
}
