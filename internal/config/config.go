// Package config holds the runtime configuration: a JSON5 config.json plus
// environment overrides. Secrets (gateway token, postgres DSN) are env-only
// and never persist in config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/agora/internal/telemetry"
)

// Config is the root configuration.
type Config struct {
	DataDir     string          `json:"dataDir,omitempty" env:"AGORA_DATA_DIR"`
	LLMServices string          `json:"llmServices,omitempty" env:"AGORA_LLM_SERVICES"`
	Runtime     RuntimeConfig   `json:"runtime,omitempty"`
	Gateway     GatewayConfig   `json:"gateway,omitempty"`
	Store       StoreConfig     `json:"store,omitempty"`
	Sandbox     SandboxConfig   `json:"sandbox,omitempty"`
	Telemetry   TelemetryConfig `json:"telemetry,omitempty"`
}

// RuntimeConfig tunes the dispatcher and the agent loop.
type RuntimeConfig struct {
	MaxConcurrentRequests int     `json:"maxConcurrentRequests,omitempty" env:"AGORA_MAX_CONCURRENT_REQUESTS"`
	MaxToolRounds         int     `json:"maxToolRounds,omitempty" env:"AGORA_MAX_TOOL_ROUNDS"`
	Temperature           float64 `json:"temperature,omitempty" env:"AGORA_TEMPERATURE"`
	KeepRecent            int     `json:"keepRecent,omitempty" env:"AGORA_KEEP_RECENT"`
	ShutdownTimeoutSec    int     `json:"shutdownTimeoutSec,omitempty" env:"AGORA_SHUTDOWN_TIMEOUT_SEC"`
}

// GatewayConfig configures the HTTP surface. Token comes from env only.
type GatewayConfig struct {
	Host           string  `json:"host,omitempty" env:"AGORA_HOST"`
	Port           int     `json:"port,omitempty" env:"AGORA_PORT"`
	Token          string  `json:"-" env:"AGORA_GATEWAY_TOKEN"`
	RateLimitRPS   float64 `json:"rateLimitRps,omitempty" env:"AGORA_RATE_LIMIT_RPS"`
	RateLimitBurst int     `json:"rateLimitBurst,omitempty" env:"AGORA_RATE_LIMIT_BURST"`
}

// Addr returns the host:port listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// StoreConfig selects the message archive backend. "sqlite" (default) keeps
// a local file under DataDir; "postgres" uses PostgresDSN; "off" disables
// archiving. PostgresDSN is never read from config.json.
type StoreConfig struct {
	Archive     string `json:"archive,omitempty" env:"AGORA_ARCHIVE"`
	SQLitePath  string `json:"sqlitePath,omitempty" env:"AGORA_SQLITE_PATH"`
	PostgresDSN string `json:"-" env:"AGORA_POSTGRES_DSN"`
}

// SandboxConfig configures the run_javascript subprocess runner.
type SandboxConfig struct {
	NodeBin    string `json:"nodeBin,omitempty" env:"AGORA_NODE_BIN"`
	TimeoutSec int    `json:"timeoutSec,omitempty" env:"AGORA_SANDBOX_TIMEOUT_SEC"`
}

// Timeout returns the runner timeout as a duration.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSec) * time.Second
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty" env:"AGORA_TELEMETRY_ENABLED"`
	Endpoint    string `json:"endpoint,omitempty" env:"AGORA_TELEMETRY_ENDPOINT"`
	Protocol    string `json:"protocol,omitempty" env:"AGORA_TELEMETRY_PROTOCOL"`
	ServiceName string `json:"serviceName,omitempty" env:"AGORA_TELEMETRY_SERVICE_NAME"`
	Insecure    bool   `json:"insecure,omitempty" env:"AGORA_TELEMETRY_INSECURE"`
}

// ToTelemetry converts to the telemetry package's config.
func (t TelemetryConfig) ToTelemetry() telemetry.Config {
	return telemetry.Config{
		Enabled:     t.Enabled,
		Endpoint:    t.Endpoint,
		Protocol:    t.Protocol,
		ServiceName: t.ServiceName,
		Insecure:    t.Insecure,
	}
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir:     "~/.agora",
		LLMServices: "~/.agora/llmservices.json",
		Runtime: RuntimeConfig{
			MaxConcurrentRequests: 2,
			MaxToolRounds:         5,
			Temperature:           0.7,
			KeepRecent:            5,
			ShutdownTimeoutSec:    30,
		},
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			Port:           18800,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Store: StoreConfig{
			Archive: "sqlite",
		},
		Sandbox: SandboxConfig{
			NodeBin:    "node",
			TimeoutSec: 30,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "agora",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// yields the defaults so a fresh install works without onboarding.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.expandPaths()
	return cfg, nil
}

// Save writes the config as indented JSON. Env-only secrets carry the
// `json:"-"` tag and are never written.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// DefaultPath returns ~/.agora/config.json.
func DefaultPath() string {
	return ExpandHome("~/.agora/config.json")
}

func (c *Config) expandPaths() {
	c.DataDir = ExpandHome(c.DataDir)
	c.LLMServices = ExpandHome(c.LLMServices)
	c.Store.SQLitePath = ExpandHome(c.Store.SQLitePath)
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = filepath.Join(c.DataDir, "messages.db")
	}
}

// ShutdownTimeout returns the drain budget as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Runtime.ShutdownTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Runtime.ShutdownTimeoutSec) * time.Second
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return home
}
