// CLAUDE:SUMMARY Telegate agent YAML configuration: defaults, environment overrides, backend selection.
package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storelogic/telegate/catalog"
)

// Config is the top-level agent configuration.
type Config struct {
	// Listen is the admin API bind address.
	Listen string `yaml:"listen"`

	// DB is the SQLite file holding settings, flags, and the audit trail.
	DB string `yaml:"db"`

	// Version is the installed extension version. Unset never compares as
	// current, which keeps telemetry off.
	Version string `yaml:"version"`

	Catalog catalog.Config `yaml:"catalog"`
	Cache   CacheConfig    `yaml:"cache"`
	Watch   WatchConfig    `yaml:"watch"`
	MCP     MCPConfig      `yaml:"mcp"`
}

// CacheConfig selects the transient store behind the release resolver.
type CacheConfig struct {
	// Backend is one of "memory", "sqlite", "mysql", "postgres", or "none".
	// With "sqlite" and no DSN the agent database is shared.
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`

	// TTL overrides the 24h freshness window for cached catalog answers.
	TTL time.Duration `yaml:"ttl"`

	// Sweep is how often expired rows are garbage-collected.
	Sweep time.Duration `yaml:"sweep"`
}

// WatchConfig controls the settings-change watcher.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval"`
	Debounce time.Duration `yaml:"debounce"`
}

// MCPConfig controls the optional MCP endpoint.
type MCPConfig struct {
	// Transport is "" (off), "quic", or "stdio".
	Transport string `yaml:"transport"`

	// Listen is the QUIC bind address.
	Listen string `yaml:"listen"`

	// TLSCert and TLSKey select a certificate pair for the QUIC listener.
	// Without both, a self-signed certificate is generated at startup.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// LoadConfig reads a YAML configuration file. An empty path yields the
// built-in defaults, so the agent runs without any file at all.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv lets environment variables override file values, so a container
// deployment can skip the config file entirely.
func (c *Config) applyEnv() {
	if v := os.Getenv("TELEGATE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("TELEGATE_DB"); v != "" {
		c.DB = v
	}
	if v := os.Getenv("TELEGATE_VERSION"); v != "" {
		c.Version = v
	}
	if v := os.Getenv("CATALOG_URL"); v != "" {
		c.Catalog.BaseURL = v
	}
	if v := os.Getenv("CATALOG_SLUG"); v != "" {
		c.Catalog.Slug = v
	}
	if v := os.Getenv("MCP_TRANSPORT"); v != "" {
		c.MCP.Transport = v
	}
	if v := os.Getenv("MCP_QUIC_ADDR"); v != "" {
		c.MCP.Listen = v
	}
	if v := os.Getenv("TLS_CERT"); v != "" {
		c.MCP.TLSCert = v
	}
	if v := os.Getenv("TLS_KEY"); v != "" {
		c.MCP.TLSKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8087"
	}
	if c.DB == "" {
		c.DB = "db/telegate.db"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Sweep <= 0 {
		c.Cache.Sweep = time.Hour
	}
	if c.Watch.Interval <= 0 {
		c.Watch.Interval = 2 * time.Second
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 500 * time.Millisecond
	}
	if c.MCP.Listen == "" {
		c.MCP.Listen = ":9444"
	}
}
