package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
	Cache        CacheConfig        `yaml:"cache"`
	Health       HealthConfig       `yaml:"health"`
	Boot         BootConfig         `yaml:"boot"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig contains settings for the local diagnostics HTTP server.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains embedded store settings.
type DatabaseConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
	LockTimeout Duration `yaml:"lock_timeout"`
}

// RemoteConfig contains remote API settings.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// ConnectivityConfig contains network reachability probe settings.
type ConnectivityConfig struct {
	ProbeURL string   `yaml:"probe_url"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// SyncConfig contains sync queue drain settings.
type SyncConfig struct {
	DrainInterval     Duration `yaml:"drain_interval"`
	PerItemTimeout    Duration `yaml:"per_item_timeout"`
	MaxRetries        int      `yaml:"max_retries"`
	ReadOnlyEndpoints []string `yaml:"read_only_endpoints"`
}

// CacheConfig contains api_cache settings.
type CacheConfig struct {
	DefaultTTL    Duration `yaml:"default_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// HealthConfig contains store health monitor settings.
type HealthConfig struct {
	Interval               Duration `yaml:"interval"`
	ProbeTimeout           Duration `yaml:"probe_timeout"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	AutoRecover            bool     `yaml:"auto_recover"`
}

// BootConfig contains initializer settings.
type BootConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	Cooldown       Duration `yaml:"cooldown"`
	BackoffBase    Duration `yaml:"backoff_base"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("OUTPOST_CONFIG_PATH", "config/outpost.yaml")

	// Missing file is not an error; we just use defaults.
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:7077",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path:        "data/outpost.db",
			BusyTimeout: Duration(30 * time.Second),
			LockTimeout: Duration(5 * time.Second),
		},
		Remote: RemoteConfig{
			Timeout: Duration(30 * time.Second),
		},
		Connectivity: ConnectivityConfig{
			Interval: Duration(15 * time.Second),
			Timeout:  Duration(5 * time.Second),
		},
		Sync: SyncConfig{
			DrainInterval:  Duration(1 * time.Minute),
			PerItemTimeout: Duration(30 * time.Second),
			MaxRetries:     5,
		},
		Cache: CacheConfig{
			DefaultTTL:    Duration(10 * time.Minute),
			SweepInterval: Duration(5 * time.Minute),
		},
		Health: HealthConfig{
			Interval:               Duration(30 * time.Second),
			ProbeTimeout:           Duration(5 * time.Second),
			MaxConsecutiveFailures: 3,
			AutoRecover:            true,
		},
		Boot: BootConfig{
			MaxAttempts:    5,
			AttemptTimeout: Duration(30 * time.Second),
			Cooldown:       Duration(5 * time.Second),
			BackoffBase:    Duration(500 * time.Millisecond),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("OUTPOST_ADDR"); v != "" {
		cfg.Server.Addr = v
	}

	// Database
	if v := os.Getenv("OUTPOST_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("OUTPOST_DB_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.LockTimeout = Duration(d)
		}
	}

	// Remote
	if v := os.Getenv("OUTPOST_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("OUTPOST_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("OUTPOST_REMOTE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remote.Timeout = Duration(d)
		}
	}

	// Connectivity
	if v := os.Getenv("OUTPOST_PROBE_URL"); v != "" {
		cfg.Connectivity.ProbeURL = v
	}
	if v := os.Getenv("OUTPOST_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Connectivity.Interval = Duration(d)
		}
	}

	// Sync
	if v := os.Getenv("OUTPOST_DRAIN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.DrainInterval = Duration(d)
		}
	}
	if v := os.Getenv("OUTPOST_SYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxRetries = n
		}
	}

	// Health
	if v := os.Getenv("OUTPOST_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Health.Interval = Duration(d)
		}
	}
	if v := os.Getenv("OUTPOST_HEALTH_MAX_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Health.MaxConsecutiveFailures = n
		}
	}
	if v := os.Getenv("OUTPOST_AUTO_RECOVER"); v != "" {
		cfg.Health.AutoRecover = v == "true" || v == "1"
	}

	// Log
	if v := os.Getenv("OUTPOST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OUTPOST_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
func (c *Config) validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url is required (OUTPOST_REMOTE_URL)")
	}
	if c.Sync.MaxRetries < 1 {
		return errors.New("sync.max_retries must be at least 1")
	}
	if c.Health.MaxConsecutiveFailures < 1 {
		return errors.New("health.max_consecutive_failures must be at least 1")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
