package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the config file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

const (
	DefaultMinConnections = 1
	DefaultMaxConnections = 50
	DefaultMaxStatements  = 50
	DefaultCheckInterval  = 10 * time.Minute
)

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config describes one database and how its pools are sized.
type Config struct {
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Schema   string `yaml:"schema"`

	MinConnections int `yaml:"min_connections"`
	MaxConnections int `yaml:"max_connections"`
	MaxStatements  int `yaml:"max_statements"`

	// CheckConnections enables the idle health check before a pooled statement is reused.
	CheckConnections *bool         `yaml:"check_connections"`
	CheckInterval    time.Duration `yaml:"check_interval"`

	// Case is the identifier case policy: sensitive, uppercase or lowercase.
	// Empty means the driver profile's default.
	Case string `yaml:"case"`

	Log LogConfig `yaml:"log"`
}

// Default returns a Config with pool defaults filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued pool settings.
func (c *Config) ApplyDefaults() {
	if c.MinConnections <= 0 {
		c.MinConnections = DefaultMinConnections
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.MaxStatements <= 0 {
		c.MaxStatements = DefaultMaxStatements
	}
	if c.CheckConnections == nil {
		on := true
		c.CheckConnections = &on
	}
	if c.CheckInterval < 0 {
		c.CheckInterval = 0
	} else if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// HealthCheck reports whether idle connections are validated before reuse.
func (c *Config) HealthCheck() bool {
	return c.CheckConnections == nil || *c.CheckConnections
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Driver == "" && c.URL == "" {
		return fmt.Errorf("config: driver or url is required")
	}
	if c.URL == "" {
		return fmt.Errorf("config: url is required")
	}
	return nil
}

// Hash identifies the connection parameters. Two configs with the same hash
// address the same database with the same credentials.
func (c *Config) Hash() uint64 {
	d := xxhash.New()
	for _, s := range []string{c.Driver, c.URL, c.User, c.Password, c.Schema} {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Parse decodes YAML config data and applies defaults and environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	LoadFromEnv(cfg)
	cfg.ApplyDefaults()
	return cfg, nil
}

// Load reads a YAML config file. It also returns the xxhash of the raw
// file contents, which identifies the config source.
func Load(path string) (*Config, uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrConfigNotFound
		}
		return nil, 0, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, 0, err
	}
	return cfg, xxhash.Sum64(data), nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment without overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// LoadFromEnv applies JORMPOOL_* environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("JORMPOOL_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := os.Getenv("JORMPOOL_URL"); v != "" {
		cfg.URL = v
	}
	if v := os.Getenv("JORMPOOL_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("JORMPOOL_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("JORMPOOL_SCHEMA"); v != "" {
		cfg.Schema = v
	}
	if v := os.Getenv("JORMPOOL_MIN_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinConnections = n
		}
	}
	if v := os.Getenv("JORMPOOL_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConnections = n
		}
	}
	if v := os.Getenv("JORMPOOL_MAX_STATEMENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxStatements = n
		}
	}
	if v := os.Getenv("JORMPOOL_CHECK_CONNECTIONS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CheckConnections = &b
		}
	}
	if v := os.Getenv("JORMPOOL_CHECK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CheckInterval = d
		}
	}
	if v := os.Getenv("JORMPOOL_CASE"); v != "" {
		cfg.Case = v
	}
	if v := os.Getenv("JORMPOOL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("JORMPOOL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}
