// Package config loads routesync configuration from a YAML file and
// ROUTESYNC_* environment variables.
package config

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kimhsiao/routesync/internal/auth"
	apperrors "github.com/kimhsiao/routesync/internal/errors"
	"github.com/kimhsiao/routesync/internal/logging"
	"github.com/kimhsiao/routesync/internal/server"
	syncclient "github.com/kimhsiao/routesync/internal/sync"
	"github.com/kimhsiao/routesync/internal/sync/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. ROUTESYNC_SYNC_INTERVAL.
const EnvPrefix = "ROUTESYNC"

// Supported server database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full process configuration. The server and client sections
// are independent; a process reads only the one it needs.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Client   ClientConfig   `mapstructure:"client"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	Tokens          []TokenConfig `mapstructure:"tokens"`
}

// TokenConfig maps one static bearer token to a worker.
type TokenConfig struct {
	Token  string `mapstructure:"token"`
	UserID int64  `mapstructure:"user_id"`
	Name   string `mapstructure:"name"`
}

// DatabaseConfig selects the server store.
type DatabaseConfig struct {
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`      // postgres only
	DataDir string `mapstructure:"data_dir"` // sqlite only
}

// ClientConfig configures a worker session.
type ClientConfig struct {
	ServerURL      string        `mapstructure:"server_url"`
	Token          string        `mapstructure:"token"`
	TokenFile      string        `mapstructure:"token_file"` // reread after AUTH_ERROR
	DataDir        string        `mapstructure:"data_dir"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// SyncConfig mirrors scheduler.Config.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
	Jitter      float64       `mapstructure:"jitter"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// TracingConfig configures OTLP export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	srv := server.DefaultConfig()
	sched := scheduler.DefaultConfig()

	v.SetDefault("server.addr", srv.Addr)
	v.SetDefault("server.read_timeout", srv.ReadTimeout)
	v.SetDefault("server.shutdown_timeout", srv.ShutdownTimeout)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.data_dir", "./data")

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.token", "")
	v.SetDefault("client.token_file", "")
	v.SetDefault("client.data_dir", "./data/client")
	v.SetDefault("client.request_timeout", 15*time.Second)
	v.SetDefault("client.probe_interval", 10*time.Second)

	v.SetDefault("sync.interval", sched.Interval)
	v.SetDefault("sync.max_retries", sched.MaxRetries)
	v.SetDefault("sync.backoff_base", sched.BackoffBase)
	v.SetDefault("sync.backoff_cap", sched.BackoffCap)
	v.SetDefault("sync.jitter", sched.Jitter)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "routesync")
}

// Load reads path (if non-empty), then applies environment overrides. With
// an empty path it looks for routesync.yaml in the working directory and
// carries on with defaults when there is none.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("routesync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "read config", err)
		}
		logging.Debug("No config file found, using defaults and environment", nil)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the components would silently replace.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return apperrors.New(apperrors.ErrValidation, "database.dsn is required for postgres")
		}
	default:
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown database.driver %q", c.Database.Driver))
	}

	if c.Sync.Interval <= 0 {
		return apperrors.New(apperrors.ErrValidation, "sync.interval must be positive")
	}
	if c.Sync.MaxRetries <= 0 {
		return apperrors.New(apperrors.ErrValidation, "sync.max_retries must be positive")
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffCap < c.Sync.BackoffBase {
		return apperrors.New(apperrors.ErrValidation, "sync.backoff_cap must be at least sync.backoff_base")
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter >= 1 {
		return apperrors.New(apperrors.ErrValidation, "sync.jitter must be in [0, 1)")
	}

	if c.Client.Token != "" && c.Client.TokenFile != "" {
		return apperrors.New(apperrors.ErrValidation, "set only one of client.token and client.token_file")
	}

	seen := make(map[string]bool)
	for i, t := range c.Server.Tokens {
		if t.Token == "" || t.UserID <= 0 {
			return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("server.tokens[%d] needs token and user_id", i))
		}
		if seen[t.Token] {
			return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("server.tokens[%d] repeats a token", i))
		}
		seen[t.Token] = true
	}
	return nil
}

// TokenSource returns the worker's credential source. A token file is
// reread whenever the server rejects the cached token.
func (c *Config) TokenSource() syncclient.TokenSource {
	if c.Client.TokenFile != "" {
		return syncclient.NewFileToken(c.Client.TokenFile)
	}
	return syncclient.StaticToken(c.Client.Token)
}

// SchedulerConfig converts the sync section.
func (c *Config) SchedulerConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.Interval = c.Sync.Interval
	cfg.MaxRetries = c.Sync.MaxRetries
	cfg.BackoffBase = c.Sync.BackoffBase
	cfg.BackoffCap = c.Sync.BackoffCap
	cfg.Jitter = c.Sync.Jitter
	return cfg
}

// HTTPConfig converts the server section.
func (c *Config) HTTPConfig() server.Config {
	return server.Config{
		Addr:            c.Server.Addr,
		ReadTimeout:     c.Server.ReadTimeout,
		ShutdownTimeout: c.Server.ShutdownTimeout,
		AllowedOrigins:  c.Server.AllowedOrigins,
	}
}

// Principals maps configured tokens to principals.
func (c *Config) Principals() map[string]auth.Principal {
	out := make(map[string]auth.Principal, len(c.Server.Tokens))
	for _, t := range c.Server.Tokens {
		out[t.Token] = auth.Principal{UserID: t.UserID, Name: t.Name}
	}
	return out
}
