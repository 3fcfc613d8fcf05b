package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	rec := engine.DefaultRecoveryConfig()
	rl := engine.DefaultRateLimitConfig()
	return &Config{
		MCP: MCPConfig{
			TerminateDuration: 5 * time.Second,
		},
		Defaults: DefaultsConfig{
			Subagent:      engine.SubagentClaude,
			MaxIterations: 1,
			Priority:      string(engine.PriorityNormal),
		},
		Recovery: RecoveryConfig{
			Connection:    policyConfig(rec.Connection),
			Timeout:       policyConfig(rec.Timeout),
			ToolExecution: policyConfig(rec.ToolExecution),
		},
		RateLimit: RateLimitConfig{
			Enabled:     rl.Enabled,
			DefaultWait: rl.DefaultWait,
			MaxWait:     rl.MaxWait,
			MaxRetries:  rl.MaxRetries,
		},
		Progress: ProgressConfig{
			SuppressKinds: []string{"token_count", "turn_diff", "exec_command_output_delta"},
		},
		HTTP: HTTPConfig{Addr: "127.0.0.1:8765", SubmitRate: 2, SubmitBurst: 5},
	}
}

func policyConfig(p engine.RecoveryPolicy) PolicyConfig {
	return PolicyConfig{ContinueOnError: p.ContinueOnError, RetryDelay: p.RetryDelay, MaxRetries: p.MaxRetries}
}

func (p PolicyConfig) policy() engine.RecoveryPolicy {
	return engine.RecoveryPolicy{ContinueOnError: p.ContinueOnError, RetryDelay: p.RetryDelay, MaxRetries: p.MaxRetries}
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Defaults.MaxIterations <= 0 && c.Defaults.MaxIterations != engine.Unlimited {
		return fmt.Errorf("defaults.max_iterations must be positive or -1, got %d", c.Defaults.MaxIterations)
	}
	if c.Defaults.Timeout < 0 {
		return fmt.Errorf("defaults.timeout must not be negative")
	}
	for name, p := range map[string]PolicyConfig{
		"connection":     c.Recovery.Connection,
		"timeout":        c.Recovery.Timeout,
		"tool_execution": c.Recovery.ToolExecution,
	} {
		if p.MaxRetries < 0 || p.RetryDelay < 0 {
			return fmt.Errorf("recovery.%s: retries and delay must not be negative", name)
		}
	}
	if c.RateLimit.MaxWait < 0 || c.RateLimit.DefaultWait < 0 || c.RateLimit.MaxRetries < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if c.HTTP.SubmitRate < 0 || c.HTTP.SubmitBurst < 0 {
		return fmt.Errorf("http: submit_rate and submit_burst must not be negative")
	}
	return nil
}

// EngineConfig converts c into the engine's configuration. The progress
// pipeline is assembled separately, see Pipeline.
func (c *Config) EngineConfig() engine.EngineConfig {
	cfg := engine.DefaultEngineConfig()
	cfg.Recovery = engine.RecoveryConfig{
		Connection:    c.Recovery.Connection.policy(),
		Timeout:       c.Recovery.Timeout.policy(),
		ToolExecution: c.Recovery.ToolExecution.policy(),
	}
	cfg.RateLimit = engine.RateLimitConfig{
		Enabled:     c.RateLimit.Enabled,
		DefaultWait: c.RateLimit.DefaultWait,
		MaxWait:     c.RateLimit.MaxWait,
		MaxRetries:  c.RateLimit.MaxRetries,
	}
	cfg.ToolNames = c.ToolNames
	cfg.DefaultModels = c.Models
	return cfg
}

// ApplyDefaults fills the request fields the caller left empty.
func (c *Config) ApplyDefaults(req *engine.ExecutionRequest) {
	if req.Subagent == "" {
		req.Subagent = c.Defaults.Subagent
	}
	if req.Model == "" {
		req.Model = c.Defaults.Model
	}
	if req.MaxIterations == 0 {
		req.MaxIterations = c.Defaults.MaxIterations
	}
	if req.Timeout == 0 {
		req.Timeout = c.Defaults.Timeout
	}
	if req.Priority == "" {
		req.Priority = engine.Priority(c.Defaults.Priority)
	}
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg from JUNO_* environment variables.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("JUNO_MCP_COMMAND", &cfg.MCP.Command)
	str("JUNO_SUBAGENT", &cfg.Defaults.Subagent)
	str("JUNO_MODEL", &cfg.Defaults.Model)
	str("JUNO_HISTORY_DB", &cfg.Storage.HistoryDB)
	str("JUNO_SESSIONS_DIR", &cfg.Storage.SessionsDir)
	str("JUNO_EVENT_INDEX", &cfg.Storage.EventIndex)
	str("JUNO_HTTP_ADDR", &cfg.HTTP.Addr)

	if v, ok := lookup("JUNO_MCP_ARGS"); ok && v != "" {
		cfg.MCP.Args = strings.Fields(v)
	}
	if v, ok := lookup("JUNO_MAX_ITERATIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JUNO_MAX_ITERATIONS: %w", err)
		}
		cfg.Defaults.MaxIterations = n
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"JUNO_TIMEOUT", &cfg.Defaults.Timeout},
		{"JUNO_RATE_LIMIT_MAX_WAIT", &cfg.RateLimit.MaxWait},
		{"JUNO_RATE_LIMIT_DEFAULT_WAIT", &cfg.RateLimit.DefaultWait},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if v, ok := lookup("JUNO_RATE_LIMIT_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("JUNO_RATE_LIMIT_ENABLED: %w", err)
		}
		cfg.RateLimit.Enabled = b
	}
	return nil
}
