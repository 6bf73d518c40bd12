// Package daemon loads configuration and wires the marketplace process:
// store, notification sinks, engine and HTTP server.
package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ConfigFile is the TOML file read from the home directory.
const ConfigFile = "config.toml"

// Config is the full process configuration (~/.timebank/config.toml).
type Config struct {
	API      APIConfig      `toml:"api"`
	Database DatabaseConfig `toml:"database"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Notify   NotifyConfig   `toml:"notify"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	RequestTimeout string `toml:"request_timeout"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabaseConfig configures the SQLite store. An empty Path means
// <home>/timebank.db.
type DatabaseConfig struct {
	Path        string `toml:"path"`
	BusyTimeout string `toml:"busy_timeout"`
}

// LedgerConfig configures credit issuance.
type LedgerConfig struct {
	InitialCredits int64 `toml:"initial_credits"`
}

// NotifyConfig configures change-event sinks. Redis is used only when
// RedisAddr is set.
type NotifyConfig struct {
	LiveFeed        bool   `toml:"live_feed"`
	RedisAddr       string `toml:"redis_addr"`
	RedisPassword   string `toml:"redis_password"`
	RedisDB         int    `toml:"redis_db"`
	Channel         string `toml:"channel"`
	BreakerFailures uint32 `toml:"breaker_failures"`
	BreakerTimeout  string `toml:"breaker_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig configures /metrics and the span buffer.
type MetricsConfig struct {
	Enabled    bool `toml:"enabled"`
	TraceSpans int  `toml:"trace_spans"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host:           "127.0.0.1",
			Port:           8080,
			RequestTimeout: "30s",
		},
		Database: DatabaseConfig{
			BusyTimeout: "5s",
		},
		Ledger: LedgerConfig{
			InitialCredits: 5,
		},
		Notify: NotifyConfig{
			LiveFeed:        true,
			Channel:         "timebank:events",
			BreakerFailures: 5,
			BreakerTimeout:  "30s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			TraceSpans: 10_000,
		},
	}
}

// Home returns $TIMEBANK_HOME, or ~/.timebank.
func Home() string {
	if env := os.Getenv("TIMEBANK_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".timebank")
}

// LoadConfig reads <home>/.env and ./.env into the environment (existing
// variables win), then <home>/config.toml over the defaults, then the
// TIMEBANK_* environment overrides. A missing file is not an error.
func LoadConfig(home string) (Config, error) {
	for _, path := range []string{filepath.Join(home, ".env"), ".env"} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	path := filepath.Join(home, ConfigFile)
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TIMEBANK_API_HOST"); v != "" {
		c.API.Host = v
	}
	if v := os.Getenv("TIMEBANK_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TIMEBANK_API_PORT: %w", err)
		}
		c.API.Port = port
	}
	if v := os.Getenv("TIMEBANK_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("TIMEBANK_REDIS_ADDR"); v != "" {
		c.Notify.RedisAddr = v
	}
	if v := os.Getenv("TIMEBANK_REDIS_PASSWORD"); v != "" {
		c.Notify.RedisPassword = v
	}
	if v := os.Getenv("TIMEBANK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Ledger.InitialCredits < 0 {
		return fmt.Errorf("ledger.initial_credits must not be negative")
	}
	for name, raw := range map[string]string{
		"api.request_timeout":    c.API.RequestTimeout,
		"database.busy_timeout":  c.Database.BusyTimeout,
		"notify.breaker_timeout": c.Notify.BreakerTimeout,
	} {
		if _, err := parseDuration(raw, 0); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// DBPath resolves the database file for home.
func (c Config) DBPath(home string) string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(home, "timebank.db")
}

// parseDuration parses s, returning def when s is empty.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}
