package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"school-registry/internal/tracing"
)

// Ledger backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRemote = "remote"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// Mode is the gin mode: debug, release or test.
	Mode string `mapstructure:"mode"`
}

type AuthConfig struct {
	Enable bool   `mapstructure:"enable"`
	Token  string `mapstructure:"token"`
}

type LedgerConfig struct {
	Backend string `mapstructure:"backend"`
	// Admin is the identity recorded as admin when a memory or sqlite ledger is first created.
	Admin         string        `mapstructure:"admin"`
	DBPath        string        `mapstructure:"db_path"`
	BlockInterval time.Duration `mapstructure:"block_interval"`

	RemoteURL     string        `mapstructure:"remote_url"`
	APIKey        string        `mapstructure:"api_key"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	AdminCacheTTL time.Duration `mapstructure:"admin_cache_ttl"`
	// SubmissionTTL is how long settled submission outcomes stay queryable over the API.
	SubmissionTTL time.Duration `mapstructure:"submission_ttl"`
}

type ReconcilerConfig struct {
	// AdminIdentity is the fallback admin when the ledger exposes none.
	AdminIdentity    string        `mapstructure:"admin_identity"`
	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout"`
	FetchConcurrency int           `mapstructure:"fetch_concurrency"`
}

type LogConfig struct {
	Verbosity int    `mapstructure:"verbosity"`
	File      string `mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Addr: ":8088", Mode: "release"},
		Ledger: LedgerConfig{
			Backend:       BackendSQLite,
			DBPath:        "registry.db",
			BlockInterval: 2 * time.Second,
			PollInterval:  time.Second,
			AdminCacheTTL: time.Minute,
			SubmissionTTL: 10 * time.Minute,
		},
		Reconciler: ReconcilerConfig{FetchConcurrency: 8},
		Log:        LogConfig{Verbosity: 1},
		Metrics:    MetricsConfig{Enabled: true},
		Tracing: tracing.Config{
			Exporter:     "none",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "school-registry",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("auth.enable", d.Auth.Enable)
	v.SetDefault("auth.token", d.Auth.Token)
	v.SetDefault("ledger.backend", d.Ledger.Backend)
	v.SetDefault("ledger.admin", d.Ledger.Admin)
	v.SetDefault("ledger.db_path", d.Ledger.DBPath)
	v.SetDefault("ledger.block_interval", d.Ledger.BlockInterval)
	v.SetDefault("ledger.remote_url", d.Ledger.RemoteURL)
	v.SetDefault("ledger.api_key", d.Ledger.APIKey)
	v.SetDefault("ledger.poll_interval", d.Ledger.PollInterval)
	v.SetDefault("ledger.admin_cache_ttl", d.Ledger.AdminCacheTTL)
	v.SetDefault("ledger.submission_ttl", d.Ledger.SubmissionTTL)
	v.SetDefault("reconciler.admin_identity", d.Reconciler.AdminIdentity)
	v.SetDefault("reconciler.confirm_timeout", d.Reconciler.ConfirmTimeout)
	v.SetDefault("reconciler.fetch_concurrency", d.Reconciler.FetchConcurrency)
	v.SetDefault("log.verbosity", d.Log.Verbosity)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Load reads configuration from defaults, an optional YAML file and
// REGISTRY_* environment variables, in increasing precedence. Flags bound
// to v by the caller take precedence over all of them.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("registry")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("registry")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendMemory, BackendSQLite:
		if c.Ledger.BlockInterval <= 0 {
			return fmt.Errorf("ledger.block_interval must be positive")
		}
		if c.Ledger.Backend == BackendSQLite && c.Ledger.DBPath == "" {
			return fmt.Errorf("ledger.db_path is required for the sqlite backend")
		}
	case BackendRemote:
		if c.Ledger.RemoteURL == "" {
			return fmt.Errorf("ledger.remote_url is required for the remote backend")
		}
		if c.Ledger.PollInterval <= 0 {
			return fmt.Errorf("ledger.poll_interval must be positive")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}
	if c.Auth.Enable && c.Auth.Token == "" {
		return fmt.Errorf("auth.token is required when auth is enabled")
	}
	if c.Ledger.AdminCacheTTL < 0 {
		return fmt.Errorf("ledger.admin_cache_ttl cannot be negative")
	}
	if c.Reconciler.ConfirmTimeout < 0 {
		return fmt.Errorf("reconciler.confirm_timeout cannot be negative")
	}
	return nil
}
