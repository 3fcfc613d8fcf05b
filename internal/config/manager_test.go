package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"JUNO_MCP_COMMAND", "JUNO_SUBAGENT", "JUNO_MODEL", "JUNO_MAX_ITERATIONS", "JUNO_TIMEOUT", "JUNO_RATE_LIMIT_MAX_WAIT"} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	m := NewManagerAt(filepath.Join(t.TempDir(), "config.yaml"))

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Defaults.Subagent != engine.SubagentClaude {
		t.Errorf("Expected default subagent claude, got %q", cfg.Defaults.Subagent)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.MaxWait != 5*time.Minute {
		t.Errorf("Expected default rate limit settings, got %+v", cfg.RateLimit)
	}
	if m.Exists() {
		t.Errorf("Exists should be false before Save")
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
mcp:
  command: juno-subagents
  args: [--stdio]
defaults:
  max_iterations: -1
  timeout: 90s
rate_limit:
  max_wait: 2m
recovery:
  connection:
    continue_on_error: false
    retry_delay: 3s
    max_retries: 7
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewManagerAt(path).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MCP.Command != "juno-subagents" || len(cfg.MCP.Args) != 1 {
		t.Errorf("Unexpected mcp section %+v", cfg.MCP)
	}
	if cfg.Defaults.MaxIterations != engine.Unlimited || cfg.Defaults.Timeout != 90*time.Second {
		t.Errorf("Unexpected defaults %+v", cfg.Defaults)
	}
	if cfg.RateLimit.MaxWait != 2*time.Minute || !cfg.RateLimit.Enabled {
		t.Errorf("Expected max_wait override with enabled kept, got %+v", cfg.RateLimit)
	}

	ec := cfg.EngineConfig()
	if ec.Recovery.Connection.MaxRetries != 7 || ec.Recovery.Connection.ContinueOnError {
		t.Errorf("Unexpected connection policy %+v", ec.Recovery.Connection)
	}
	want := engine.DefaultRecoveryConfig().Timeout
	got := ec.Recovery.Timeout
	if got.ContinueOnError != want.ContinueOnError || got.RetryDelay != want.RetryDelay || got.MaxRetries != want.MaxRetries {
		t.Errorf("Untouched policy should keep defaults, got %+v", got)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("defaults:\n  max_iterations: 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManagerAt(path).Load(); err == nil {
		t.Errorf("Expected max_iterations 0 to be rejected")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	m := NewManagerAt(filepath.Join(t.TempDir(), "nested", "config.yaml"))
	cfg := Default()
	cfg.MCP.Command = "subagents"
	cfg.Defaults.Timeout = 45 * time.Second

	if err := m.Save(cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	info, err := os.Stat(m.GetConfigPath())
	if err != nil {
		t.Fatalf("Expected config file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.MCP.Command != "subagents" || loaded.Defaults.Timeout != 45*time.Second {
		t.Errorf("Round trip lost values: %+v", loaded)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"JUNO_MCP_COMMAND":        "npx",
		"JUNO_MCP_ARGS":           "-y subagents-mcp",
		"JUNO_MAX_ITERATIONS":     "4",
		"JUNO_TIMEOUT":            "30s",
		"JUNO_RATE_LIMIT_ENABLED": "false",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.MCP.Command != "npx" || len(cfg.MCP.Args) != 2 {
		t.Errorf("Unexpected mcp %+v", cfg.MCP)
	}
	if cfg.Defaults.MaxIterations != 4 || cfg.Defaults.Timeout != 30*time.Second {
		t.Errorf("Unexpected defaults %+v", cfg.Defaults)
	}
	if cfg.RateLimit.Enabled {
		t.Errorf("Expected rate limiting disabled")
	}

	env["JUNO_TIMEOUT"] = "soon"
	if err := ApplyEnv(Default(), lookup); err == nil {
		t.Errorf("Expected bad duration to fail")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()
	cfg.Defaults.Model = "opus"
	req := &engine.ExecutionRequest{RequestID: "r", Instruction: "go", WorkingDirectory: "/w"}
	cfg.ApplyDefaults(req)

	if req.Subagent != engine.SubagentClaude || req.Model != "opus" || req.MaxIterations != 1 {
		t.Errorf("Defaults not applied: %+v", req)
	}
	if err := engine.ValidateRequest(req); err != nil {
		t.Errorf("Filled request should validate: %v", err)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	m := NewManagerAt(path)
	if err := m.Save(Default()); err != nil {
		t.Fatal(err)
	}

	got := make(chan *Config, 4)
	w, err := NewWatcher(m, func(c *Config) {
		select {
		case got <- c:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.debounceTime = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("defaults:\n  subagent: codex\n"), 0600); err != nil {
		t.Fatal(err)
	}

	// A truncate can be observed before the write lands; wait for the final state.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Defaults.Subagent == engine.SubagentCodex {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for reload")
		}
	}
}
