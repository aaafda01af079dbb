// Package config loads pawchatd configuration.
package config

import (
	"fmt"
	"time"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the pawchatd configuration.
type Config struct {
	// Server holds HTTP and realtime settings.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store selects and configures the conversation store.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Broker configures cross-instance change fan-out.
	Broker BrokerConfig `yaml:"broker" mapstructure:"broker"`

	// Logging configures zerolog output.
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	TokenSecret     string        `yaml:"token_secret" mapstructure:"token_secret"`
	RequestTimeout  time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the store driver.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver        string `yaml:"driver" mapstructure:"driver"`
	SQLitePath    string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
	PostgresDSN   string `yaml:"postgres_dsn" mapstructure:"postgres_dsn"`
}

// BrokerConfig configures the change broker. An empty RedisURL keeps
// events in process.
type BrokerConfig struct {
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RequestTimeout:  5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:        DriverMemory,
			SQLitePath:    "~/.pawchat/pawchat.db",
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if len(c.Server.TokenSecret) < 16 {
		return fmt.Errorf("server.token_secret must be at least 16 characters")
	}
	if c.Server.RequestTimeout < 100*time.Millisecond {
		return fmt.Errorf("server.request_timeout must be at least 100ms")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
		if c.Store.BusyTimeoutMs < 0 {
			return fmt.Errorf("store.busy_timeout_ms must not be negative")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, sqlite, postgres")
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json")
	}
	return nil
}
