// Package config loads engine configuration from a YAML file and
// environment variables, with environment taking precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the engine reads at startup.
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Presence PresenceConfig `mapstructure:"presence"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// BackendConfig points at the streaming platform's APIs.
type BackendConfig struct {
	WSURL   string `mapstructure:"ws_url"`
	APIURL  string `mapstructure:"api_url"`
	Token   string `mapstructure:"token"`
	Session string `mapstructure:"session"` // session to attach to on startup
}

// RealtimeConfig tunes the connection state machine.
type RealtimeConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

// PresenceConfig tunes the typing indicator tracker.
type PresenceConfig struct {
	TypingTTL     time.Duration `mapstructure:"typing_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// AuditConfig controls the local moderation audit trail.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from the given file (optional) and the
// MODENGINE_* environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("backend.ws_url", "ws://localhost:8080/ws/chat")
	v.SetDefault("backend.api_url", "http://localhost:8080")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.session", "")
	v.SetDefault("realtime.heartbeat_interval", 30*time.Second)
	v.SetDefault("realtime.backoff_base", 1*time.Second)
	v.SetDefault("realtime.backoff_max", 30*time.Second)
	v.SetDefault("realtime.max_attempts", 5)
	v.SetDefault("presence.typing_ttl", 5*time.Second)
	v.SetDefault("presence.sweep_interval", 1*time.Second)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.db_path", "modengine-audit.db")
	v.SetDefault("metrics.addr", ":9091")

	v.SetEnvPrefix("MODENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Backend.WSURL == "" {
		return fmt.Errorf("config: backend.ws_url is required")
	}
	if c.Backend.APIURL == "" {
		return fmt.Errorf("config: backend.api_url is required")
	}
	if c.Realtime.MaxAttempts < 1 {
		return fmt.Errorf("config: realtime.max_attempts must be at least 1")
	}
	if c.Presence.TypingTTL <= 0 {
		return fmt.Errorf("config: presence.typing_ttl must be positive")
	}
	return nil
}
