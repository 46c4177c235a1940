package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ACP_ENGINE_CONFIG", "ACP_ENGINE_URL", "ACP_ENGINE_TOKEN", "ACP_AGENT", "ACP_CWD",
		"ACP_DEFAULT_TIMEOUT", "ACP_CONNECT_TIMEOUT", "ACP_PROMPT_TIMEOUT",
		"ACP_STATE_DB", "ACP_TERMINAL_BUFFER_SIZE",
		"WS_READ_BUFFER_SIZE", "WS_WRITE_BUFFER_SIZE",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRequiresServerURL(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error without ACP_ENGINE_URL")
	}
}

func TestLoadRejectsNonWebSocketURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACP_ENGINE_URL", "https://example.com")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-ws URL")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACP_ENGINE_URL", "ws://localhost:8080/ws")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DefaultTimeout != 30*time.Second || cfg.ConnectTimeout != 120*time.Second || cfg.PromptTimeout != 60*time.Minute {
		t.Fatalf("unexpected timeouts: %v %v %v", cfg.DefaultTimeout, cfg.ConnectTimeout, cfg.PromptTimeout)
	}
	if cfg.WSReadBufferSize != 1024 || cfg.WSWriteBufferSize != 1024 {
		t.Fatalf("unexpected buffer sizes %d/%d", cfg.WSReadBufferSize, cfg.WSWriteBufferSize)
	}
	if cfg.Cwd == "" || cfg.StateDB == "" {
		t.Fatalf("expected derived cwd and state db, got %q %q", cfg.Cwd, cfg.StateDB)
	}
	if cfg.Agents == nil {
		t.Fatal("expected non-nil agents map")
	}
}

func TestLoadFromFileWithEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_KEY_FOR_TEST", "sk-from-env")
	path := writeConfig(t, `
url: ws://file-host/ws
agent: claude
cwd: /repo
timeouts:
  prompt: 10m
  connect: 45s
agents:
  claude:
    command: claude-code-acp
    env:
      ANTHROPIC_API_KEY: ${ANTHROPIC_KEY_FOR_TEST}
  gemini:
    command: gemini --experimental-acp
`)
	t.Setenv("ACP_ENGINE_CONFIG", path)
	t.Setenv("ACP_ENGINE_URL", "wss://env-host/ws")
	t.Setenv("ACP_CONNECT_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ServerURL != "wss://env-host/ws" {
		t.Fatalf("ServerURL=%q, env should win", cfg.ServerURL)
	}
	if cfg.DefaultAgent != "claude" || cfg.Cwd != "/repo" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.PromptTimeout != 10*time.Minute || cfg.ConnectTimeout != 90*time.Second {
		t.Fatalf("unexpected timeouts prompt=%v connect=%v", cfg.PromptTimeout, cfg.ConnectTimeout)
	}
	if got := cfg.Agents["claude"].Env["ANTHROPIC_API_KEY"]; got != "sk-from-env" {
		t.Fatalf("expected ${VAR} expansion, got %q", got)
	}
	if ids := cfg.AgentIDs(); len(ids) != 2 || ids[0] != "claude" || ids[1] != "gemini" {
		t.Fatalf("unexpected agent ids %v", ids)
	}
}

func TestLoadSingleAgentBecomesDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACP_ENGINE_URL", "ws://localhost/ws")
	t.Setenv("ACP_ENGINE_CONFIG", writeConfig(t, "agents:\n  codex:\n    command: codex-acp\n"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DefaultAgent != "codex" {
		t.Fatalf("DefaultAgent=%q, want codex", cfg.DefaultAgent)
	}
}

func TestLoadBadFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACP_ENGINE_URL", "ws://localhost/ws")

	t.Setenv("ACP_ENGINE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing file")
	}

	t.Setenv("ACP_ENGINE_CONFIG", writeConfig(t, "timeouts:\n  prompt: soon\n"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestInvalidEnvNumbersFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACP_ENGINE_URL", "ws://localhost/ws")
	t.Setenv("WS_READ_BUFFER_SIZE", "lots")
	t.Setenv("ACP_PROMPT_TIMEOUT", "forever")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.WSReadBufferSize != 1024 || cfg.PromptTimeout != 60*time.Minute {
		t.Fatalf("expected fallbacks, got %d %v", cfg.WSReadBufferSize, cfg.PromptTimeout)
	}
}
