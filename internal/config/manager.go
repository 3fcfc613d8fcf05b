package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the location of the config file.
const EnvConfigPath = "JUNO_CONFIG"

// Config holds the user's persistent configuration.
type Config struct {
	MCP       MCPConfig       `yaml:"mcp"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Progress  ProgressConfig  `yaml:"progress"`
	Storage   StorageConfig   `yaml:"storage"`
	HTTP      HTTPConfig      `yaml:"http"`

	// ToolNames maps extra subagents to MCP tool names.
	ToolNames map[string]string `yaml:"tool_names,omitempty"`
	// Models overrides the default model per subagent.
	Models map[string]string `yaml:"models,omitempty"`
}

// MCPConfig describes the MCP server process.
type MCPConfig struct {
	Command           string            `yaml:"command"`
	Args              []string          `yaml:"args,omitempty"`
	Env               map[string]string `yaml:"env,omitempty"`
	Dir               string            `yaml:"dir,omitempty"`
	TerminateDuration time.Duration     `yaml:"terminate_duration,omitempty"`
	KeepAlive         time.Duration     `yaml:"keep_alive,omitempty"`
}

// DefaultsConfig fills request fields the caller leaves empty.
type DefaultsConfig struct {
	Subagent      string        `yaml:"subagent"`
	Model         string        `yaml:"model,omitempty"`
	MaxIterations int           `yaml:"max_iterations"`
	Timeout       time.Duration `yaml:"timeout,omitempty"`
	Priority      string        `yaml:"priority,omitempty"`
}

// PolicyConfig is the recovery policy for one error category.
type PolicyConfig struct {
	ContinueOnError bool          `yaml:"continue_on_error"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxRetries      int           `yaml:"max_retries"`
}

// RecoveryConfig holds one policy per recoverable category.
type RecoveryConfig struct {
	Connection    PolicyConfig `yaml:"connection"`
	Timeout       PolicyConfig `yaml:"timeout"`
	ToolExecution PolicyConfig `yaml:"tool_execution"`
}

// RateLimitConfig configures backoff.
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	DefaultWait time.Duration `yaml:"default_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	MaxRetries  int           `yaml:"max_retries"`
}

// ProgressConfig configures the progress pipeline.
type ProgressConfig struct {
	// Include and Exclude are glob patterns matched against event types.
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
	// SuppressKinds drops events by their metadata "kind".
	SuppressKinds []string `yaml:"suppress_kinds,omitempty"`
	// FilterScript is a Lua file defining filter(event).
	FilterScript string `yaml:"filter_script,omitempty"`
	// MaxContent truncates event content; zero keeps it whole.
	MaxContent int `yaml:"max_content,omitempty"`
}

// StorageConfig locates persisted state. Empty paths disable the store.
type StorageConfig struct {
	HistoryDB   string `yaml:"history_db,omitempty"`
	SessionsDir string `yaml:"sessions_dir,omitempty"`
	EventIndex  string `yaml:"event_index,omitempty"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// SubmitRate limits execution submissions per second. Zero disables it.
	SubmitRate  float64 `yaml:"submit_rate,omitempty"`
	SubmitBurst int     `yaml:"submit_burst,omitempty"`
}

// Manager handles loading and saving the configuration.
type Manager struct {
	path string
}

// NewManager creates a manager for $JUNO_CONFIG, or config.yaml in the
// user's config directory.
func NewManager() (*Manager, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return &Manager{path: p}, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{path: filepath.Join(configDir, "juno", "config.yaml")}, nil
}

// NewManagerAt creates a manager for an explicit file.
func NewManagerAt(path string) *Manager {
	return &Manager{path: path}
}

// GetConfigPath returns the path of the config file.
func (m *Manager) GetConfigPath() string {
	return m.path
}

// Load reads the configuration from disk on top of Default and applies
// environment overrides. A missing file is not an error.
func (m *Manager) Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config yaml: %w", err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to disk with restricted permissions (0600).
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return !os.IsNotExist(err)
}
