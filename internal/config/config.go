// Package config loads engine configuration from environment variables and
// an optional YAML file. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds per-agent connect defaults.
type AgentConfig struct {
	Command string            `yaml:"command"`
	Cwd     string            `yaml:"cwd"`
	Proxy   string            `yaml:"proxy"`
	Env     map[string]string `yaml:"env"`
}

// Config holds all configuration values for the engine.
type Config struct {
	// Server settings
	ServerURL string
	Token     string

	// Agent defaults
	DefaultAgent string
	Cwd          string
	Agents       map[string]AgentConfig

	// RPC timeouts
	DefaultTimeout time.Duration
	ConnectTimeout time.Duration
	PromptTimeout  time.Duration

	// Local state
	StateDB string

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int

	// Terminal output kept per terminal
	TerminalBufferSize int
}

// fileConfig is the YAML layout.
type fileConfig struct {
	URL      string                 `yaml:"url"`
	Token    string                 `yaml:"token"`
	Agent    string                 `yaml:"agent"`
	Cwd      string                 `yaml:"cwd"`
	StateDB  string                 `yaml:"state_db"`
	Timeouts fileTimeouts           `yaml:"timeouts"`
	Agents   map[string]AgentConfig `yaml:"agents"`
}

type fileTimeouts struct {
	Default string `yaml:"default"`
	Connect string `yaml:"connect"`
	Prompt  string `yaml:"prompt"`
}

// Load reads configuration. If ACP_ENGINE_CONFIG names a file it supplies
// defaults; environment variables override it.
func Load() (*Config, error) {
	file, err := loadFile(os.Getenv("ACP_ENGINE_CONFIG"))
	if err != nil {
		return nil, err
	}

	defaultTimeout, err := fileDuration("timeouts.default", file.Timeouts.Default, 30*time.Second)
	if err != nil {
		return nil, err
	}
	connectTimeout, err := fileDuration("timeouts.connect", file.Timeouts.Connect, 120*time.Second)
	if err != nil {
		return nil, err
	}
	promptTimeout, err := fileDuration("timeouts.prompt", file.Timeouts.Prompt, 60*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerURL: getEnv("ACP_ENGINE_URL", file.URL),
		Token:     getEnv("ACP_ENGINE_TOKEN", file.Token),

		DefaultAgent: getEnv("ACP_AGENT", file.Agent),
		Cwd:          getEnv("ACP_CWD", file.Cwd),
		Agents:       file.Agents,

		DefaultTimeout: getEnvDuration("ACP_DEFAULT_TIMEOUT", defaultTimeout),
		ConnectTimeout: getEnvDuration("ACP_CONNECT_TIMEOUT", connectTimeout),
		PromptTimeout:  getEnvDuration("ACP_PROMPT_TIMEOUT", promptTimeout),

		StateDB: getEnv("ACP_STATE_DB", file.StateDB),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		TerminalBufferSize: getEnvInt("ACP_TERMINAL_BUFFER_SIZE", 262144),
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("ACP_ENGINE_URL is required")
	}
	if !strings.HasPrefix(cfg.ServerURL, "ws://") && !strings.HasPrefix(cfg.ServerURL, "wss://") {
		return nil, fmt.Errorf("ACP_ENGINE_URL must be a ws:// or wss:// URL, got %q", cfg.ServerURL)
	}
	if cfg.Cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Cwd = wd
		}
	}
	if cfg.StateDB == "" {
		cfg.StateDB = defaultStateDB()
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}
	if cfg.DefaultAgent == "" && len(cfg.Agents) == 1 {
		for id := range cfg.Agents {
			cfg.DefaultAgent = id
		}
	}

	return cfg, nil
}

// AgentIDs returns the configured agent ids in order.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &fc); err != nil {
		return fc, fmt.Errorf("parsing config file: %w", err)
	}
	return fc, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value (empty if unset).
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func fileDuration(field, raw string, defaultValue time.Duration) (time.Duration, error) {
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", field, raw, err)
	}
	return d, nil
}

func defaultStateDB() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "acp-engine.db"
	}
	return filepath.Join(dir, "acp-engine", "state.db")
}


// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
