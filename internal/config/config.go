package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. SDK_SERVER_PORT.
const EnvPrefix = "SDK"

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	MCP       MCPConfig        `json:"mcp"`
	Store     StoreConfig      `json:"store"`
	Agent     AgentConfig      `json:"agent"`
}

type ServerConfig struct {
	Port           int      `json:"port"`
	LogLevel       string   `json:"log_level" split_words:"true"`
	AllowedOrigins []string `json:"allowed_origins" split_words:"true"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	// Timeout bounds the wait for response headers, not the stream.
	Timeout  Duration          `json:"timeout"`
}

type MCPConfig struct {
	Servers     []MCPServerConfig `json:"servers"`
	CallTimeout Duration          `json:"call_timeout"`
}

type MCPServerConfig struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// StoreConfig selects and configures the checkpoint backend.
// Backend is one of "memory", "postgres", "redis" or "sqlite".
type StoreConfig struct {
	Backend  string         `json:"backend"`
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	SQLite   SQLiteConfig   `json:"sqlite"`
}

type PostgresConfig struct {
	DSN           string   `json:"dsn"`
	MaxConns      int32    `json:"max_conns" split_words:"true"`
	MinConns      int32    `json:"min_conns" split_words:"true"`
	MaxConnIdle   Duration `json:"max_conn_idle" split_words:"true"`
	MigrationsDir string   `json:"migrations_dir" split_words:"true"`
}

type RedisConfig struct {
	URL       string `json:"url"`
	KeyPrefix string `json:"key_prefix" split_words:"true"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

// AgentConfig tunes the reasoning engine bound to each thread.
type AgentConfig struct {
	Model         string  `json:"model"`
	SystemPrompt  string  `json:"system_prompt" split_words:"true"`
	MaxToolRounds int     `json:"max_tool_rounds" split_words:"true"`
	MaxTokens     int     `json:"max_tokens" split_words:"true"`
	Temperature   float64 `json:"temperature"`
	ContextTokens int     `json:"context_tokens" split_words:"true"`
}

// Duration reads "30s"-style strings from JSON and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.Decode(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies SDK_* overrides and fills defaults. A missing file is
// not an error: the environment alone can configure the server.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Substitute ${VAR} and ${VAR:default} with environment values.
		resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
			parts := envVarRe.FindStringSubmatch(match)
			name := parts[1]
			defaultVal := parts[2]
			if v := os.Getenv(name); v != "" {
				return v
			}
			return defaultVal
		})
		if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	// Nested structs get their field name appended to the prefix, so
	// SDK_STORE_POSTGRES_DSN reaches Store.Postgres.DSN.
	sections := []struct {
		prefix string
		spec   interface{}
	}{
		{EnvPrefix + "_SERVER", &cfg.Server},
		{EnvPrefix + "_STORE", &cfg.Store},
		{EnvPrefix + "_AGENT", &cfg.Agent},
	}
	for _, s := range sections {
		if err := envconfig.Process(s.prefix, s.spec); err != nil {
			return fmt.Errorf("env overrides %s: %w", s.prefix, err)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 4000
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	// 2..25 connections, idle ones closed after 30s.
	if c.Store.Postgres.MaxConns == 0 {
		c.Store.Postgres.MaxConns = 25
	}
	if c.Store.Postgres.MinConns == 0 {
		c.Store.Postgres.MinConns = 2
	}
	if c.Store.Postgres.MaxConnIdle.Duration == 0 {
		c.Store.Postgres.MaxConnIdle.Duration = 30 * time.Second
	}
	if c.Store.Postgres.MigrationsDir == "" {
		c.Store.Postgres.MigrationsDir = "migrations"
	}
	if c.Store.Redis.KeyPrefix == "" {
		c.Store.Redis.KeyPrefix = "sdk:"
	}
	if c.Store.SQLite.Path == "" {
		c.Store.SQLite.Path = "data/checkpoints.db"
	}
	if c.MCP.CallTimeout.Duration == 0 {
		c.MCP.CallTimeout.Duration = 30 * time.Second
	}
	if c.Agent.MaxToolRounds == 0 {
		c.Agent.MaxToolRounds = 5
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 4096
	}
	if c.Agent.ContextTokens == 0 {
		c.Agent.ContextTokens = 128000
	}
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	case "redis":
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("store.redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Postgres.MinConns > c.Store.Postgres.MaxConns {
		return fmt.Errorf("store.postgres.min_conns (%d) exceeds max_conns (%d)",
			c.Store.Postgres.MinConns, c.Store.Postgres.MaxConns)
	}
	return nil
}
