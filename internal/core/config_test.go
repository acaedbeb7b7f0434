package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ─── DefaultConfig ──────────────────────────────────────────────────────────

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 1790 {
		t.Errorf("default Port = %d, want 1790", cfg.Server.Port)
	}
	if cfg.Query.Timeout != 10*time.Second {
		t.Errorf("default Query.Timeout = %s, want 10s", cfg.Query.Timeout)
	}
	if cfg.Query.PollInterval != 10*time.Second {
		t.Errorf("default PollInterval = %s, want 10s", cfg.Query.PollInterval)
	}
	if cfg.LiveFeed.ReconnectDelay != 3*time.Second {
		t.Errorf("default ReconnectDelay = %s, want 3s", cfg.LiveFeed.ReconnectDelay)
	}
	if cfg.Escalation.GracePeriods["high"] != 180*time.Second {
		t.Errorf("high grace = %s, want 3m", cfg.Escalation.GracePeriods["high"])
	}
	if cfg.Escalation.GracePeriods["medium"] != 300*time.Second {
		t.Errorf("medium grace = %s, want 5m", cfg.Escalation.GracePeriods["medium"])
	}
	if _, ok := cfg.Escalation.GracePeriods["low"]; ok {
		t.Error("low severity should have no grace period")
	}
	if cfg.Timeline.Backend != BackendMemory {
		t.Errorf("default backend = %q, want memory", cfg.Timeline.Backend)
	}
	if cfg.Bus.Enabled {
		t.Error("bus should be disabled by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Level = %q, want info", cfg.Logging.Level)
	}
}

func TestDefaultConfig_Validates(t *testing.T) {
	if _, err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

// ─── LoadConfig ─────────────────────────────────────────────────────────────

func TestLoadConfig_EmptyPath_ReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\") error: %v", err)
	}
	if cfg.Query.ViolationLimit != 50 {
		t.Errorf("ViolationLimit = %d, want 50", cfg.Query.ViolationLimit)
	}
}

func TestLoadConfig_NonExistentFile_ReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Server.Port != 1790 {
		t.Errorf("Port = %d, want default", cfg.Server.Port)
	}
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apdwatch.yaml")
	yml := `
server:
  port: 9000
query:
  base_url: http://query.local:8000
  poll_interval: 30s
escalation:
  enabled: true
  grace_periods:
    high: 1m
    medium: 2m
timeline:
  backend: redis
  redis_addr: 10.0.0.5:6379
`
	if err := os.WriteFile(path, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Query.BaseURL != "http://query.local:8000" {
		t.Errorf("BaseURL = %q", cfg.Query.BaseURL)
	}
	if cfg.Query.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %s, want 30s", cfg.Query.PollInterval)
	}
	if cfg.Escalation.GracePeriods["high"] != time.Minute {
		t.Errorf("high grace = %s, want 1m", cfg.Escalation.GracePeriods["high"])
	}
	if cfg.Timeline.Backend != BackendRedis || cfg.Timeline.RedisAddr != "10.0.0.5:6379" {
		t.Errorf("timeline = %+v", cfg.Timeline)
	}
	// Untouched sections keep their defaults.
	if cfg.LiveFeed.ReconnectDelay != 3*time.Second {
		t.Errorf("ReconnectDelay = %s, want default 3s", cfg.LiveFeed.ReconnectDelay)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("server: [unclosed"), 0644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"APDWATCH_QUERY_URL":        "http://10.1.1.1:8000",
		"APDWATCH_LIVE_URL":         "ws://10.1.1.1:8000/ws",
		"APDWATCH_TIMELINE_BACKEND": "postgres",
		"APDWATCH_POSTGRES_DSN":     "postgres://apd@db/apd",
		"APDWATCH_PORT":             "8088",
		"APDWATCH_POLL_INTERVAL":    "0s",
		"APDWATCH_API_KEY":          "secret",
	}
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Query.BaseURL != "http://10.1.1.1:8000" {
		t.Errorf("BaseURL = %q", cfg.Query.BaseURL)
	}
	if cfg.LiveFeed.URL != "ws://10.1.1.1:8000/ws" {
		t.Errorf("LiveFeed.URL = %q", cfg.LiveFeed.URL)
	}
	if cfg.Timeline.Backend != BackendPostgres || cfg.Timeline.PostgresDSN == "" {
		t.Errorf("timeline = %+v", cfg.Timeline)
	}
	if cfg.Server.Port != 8088 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Query.PollInterval != 0 {
		t.Errorf("PollInterval = %s, want 0", cfg.Query.PollInterval)
	}
	if !cfg.ValidateAPIKey("secret") {
		t.Error("API key from env not applied")
	}
}

func TestApplyEnv_BadPort(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(func(k string) string {
		if k == "APDWATCH_PORT" {
			return "eighty"
		}
		return ""
	})
	if err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestApplyEnv_ConfigKeysTakePrecedence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.APIKeys = []string{"from-file"}
	cfg.ApplyEnv(func(k string) string {
		if k == "APDWATCH_API_KEY" {
			return "from-env"
		}
		return ""
	})
	if cfg.ValidateAPIKey("from-env") {
		t.Error("env key should not replace configured keys")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.Server.Port = 7777
	cfg.Escalation.GracePeriods["medium"] = 4 * time.Minute

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Server.Port != 7777 {
		t.Errorf("Port = %d, want 7777", loaded.Server.Port)
	}
	if loaded.Escalation.GracePeriods["medium"] != 4*time.Minute {
		t.Errorf("medium grace = %s, want 4m", loaded.Escalation.GracePeriods["medium"])
	}
}

// ─── Validate ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad base url", func(c *Config) { c.Query.BaseURL = "ftp://x" }, "query.base_url"},
		{"bad live url", func(c *Config) { c.LiveFeed.URL = "http://x/ws" }, "live_feed.url"},
		{"unknown severity", func(c *Config) { c.Escalation.GracePeriods["critical"] = time.Minute }, "unknown severity"},
		{"unknown backend", func(c *Config) { c.Timeline.Backend = "sqlite" }, "timeline.backend"},
		{"postgres without dsn", func(c *Config) { c.Timeline.Backend = BackendPostgres }, "postgres_dsn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			_, err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Warnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Query.PollInterval = 0
	cfg.LiveFeed.Enabled = false
	warnings, err := cfg.Validate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	joined := strings.Join(warnings, "\n")
	for _, want := range []string{"on demand", "live feed disabled", "memory", "api_keys"} {
		if !strings.Contains(joined, want) {
			t.Errorf("warnings missing %q:\n%s", want, joined)
		}
	}
}

// ─── Auth ───────────────────────────────────────────────────────────────────

func TestValidateAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.AuthEnabled() {
		t.Error("auth should be off without keys")
	}
	cfg.Server.APIKeys = []string{"key-1", "key-2"}
	if !cfg.AuthEnabled() {
		t.Error("auth should be on with keys")
	}
	if !cfg.ValidateAPIKey("key-2") {
		t.Error("key-2 should validate")
	}
	if cfg.ValidateAPIKey("key-3") || cfg.ValidateAPIKey("") {
		t.Error("unknown keys must not validate")
	}
}
