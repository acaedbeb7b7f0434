package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire apdwatch configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Query      QueryConfig      `yaml:"query"`
	LiveFeed   LiveFeedConfig   `yaml:"live_feed"`
	Escalation EscalationConfig `yaml:"escalation"`
	Timeline   TimelineConfig   `yaml:"timeline"`
	Bus        BusConfig        `yaml:"bus"`
	Notify     NotifyConfig     `yaml:"notify"`
	Session    SessionConfig    `yaml:"session"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// TimelineConfig selects and configures the action timeline backend.
type TimelineConfig struct {
	Backend       string `yaml:"backend"` // "memory", "remote", "redis" or "postgres"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

// Timeline backends.
const (
	BackendMemory   = "memory"
	BackendRemote   = "remote"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Embedded      bool   `yaml:"embedded"`
	DataDir       string `yaml:"data_dir"`
	Port          int    `yaml:"port"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// SessionConfig controls where UI session state is persisted.
type SessionConfig struct {
	Path string `yaml:"path"` // empty disables persistence
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults. Zero-config works out of
// the box against a Query Service on localhost:8000.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1790,
		},
		Query:      DefaultQueryConfig(),
		LiveFeed:   DefaultLiveFeedConfig(),
		Escalation: DefaultEscalationConfig(),
		Timeline: TimelineConfig{
			Backend:     BackendMemory,
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "apdwatch",
		},
		Bus: BusConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			Embedded:      true,
			DataDir:       "./data/nats",
			Port:          4222,
			SubjectPrefix: "apd",
		},
		Notify: DefaultNotifyConfig(),
		Session: SessionConfig{
			Path: "./data/session.json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
// Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overrides settings from APDWATCH_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("APDWATCH_QUERY_URL", &c.Query.BaseURL)
	str("APDWATCH_QUERY_API_KEY", &c.Query.APIKey)
	str("APDWATCH_LIVE_URL", &c.LiveFeed.URL)
	str("APDWATCH_TIMELINE_BACKEND", &c.Timeline.Backend)
	str("APDWATCH_REDIS_ADDR", &c.Timeline.RedisAddr)
	str("APDWATCH_REDIS_PASSWORD", &c.Timeline.RedisPassword)
	str("APDWATCH_POSTGRES_DSN", &c.Timeline.PostgresDSN)
	str("APDWATCH_NATS_URL", &c.Bus.URL)
	str("APDWATCH_LOG_LEVEL", &c.Logging.Level)
	str("APDWATCH_SESSION_PATH", &c.Session.Path)

	if v := strings.TrimSpace(getenv("APDWATCH_PORT")); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("APDWATCH_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := strings.TrimSpace(getenv("APDWATCH_POLL_INTERVAL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("APDWATCH_POLL_INTERVAL: %w", err)
		}
		c.Query.PollInterval = d
	}
	if len(c.Server.APIKeys) == 0 {
		if key := strings.TrimSpace(getenv("APDWATCH_API_KEY")); key != "" {
			c.Server.APIKeys = []string{key}
		}
	}
	return nil
}

// Validate checks the configuration. Problems that stop startup are returned
// as an error; the rest come back as warnings.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if _, perr := ParseBaseURL(c.Query.BaseURL); perr != nil {
		errs = append(errs, "query.base_url: "+perr.Error())
	}
	if c.Query.PollInterval < 0 {
		errs = append(errs, "query.poll_interval must not be negative")
	} else if c.Query.PollInterval == 0 {
		warnings = append(warnings, "query.poll_interval is 0, violations are fetched on demand only")
	}
	if c.LiveFeed.Enabled {
		if !strings.HasPrefix(c.LiveFeed.URL, "ws://") && !strings.HasPrefix(c.LiveFeed.URL, "wss://") {
			errs = append(errs, fmt.Sprintf("live_feed.url %q must be ws:// or wss://", c.LiveFeed.URL))
		}
	} else {
		warnings = append(warnings, "live feed disabled, alerts arrive by polling only")
	}
	for sev, d := range c.Escalation.GracePeriods {
		if _, ok := ParseSeverity(sev); !ok {
			errs = append(errs, fmt.Sprintf("escalation.grace_periods: unknown severity %q", sev))
		}
		if d < 0 {
			errs = append(errs, fmt.Sprintf("escalation.grace_periods.%s must not be negative", sev))
		}
	}
	if c.Escalation.Enabled && c.Escalation.TickInterval > 5*time.Second {
		warnings = append(warnings, fmt.Sprintf("escalation.tick_interval %s makes countdowns coarse", c.Escalation.TickInterval))
	}

	switch c.Timeline.Backend {
	case BackendMemory:
		warnings = append(warnings, "timeline backend is memory, action history is lost on restart")
	case BackendRemote:
	case BackendRedis:
		if c.Timeline.RedisAddr == "" {
			errs = append(errs, "timeline.redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Timeline.PostgresDSN == "" {
			errs = append(errs, "timeline.postgres_dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("timeline.backend %q is not one of memory, remote, redis, postgres", c.Timeline.Backend))
	}

	if !c.AuthEnabled() {
		warnings = append(warnings, "no server.api_keys configured, mutating endpoints are open")
	}

	if len(errs) > 0 {
		return warnings, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return warnings, nil
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}
