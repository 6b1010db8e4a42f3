// Package config provides configuration loading and validation for the runner.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
)

// Duration is a time.Duration that reads from JSON either as a Go duration
// string ("90s", "5m") or as a number of seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %s", data)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the runner configuration that can be loaded from a JSON file.
// All fields are optional; missing values use defaults, environment variables
// or CLI flags.
type Config struct {
	// Storage
	DatabaseURL string `json:"database_url,omitempty"` // PostgreSQL connection URL
	Memory      bool   `json:"memory,omitempty"`       // Use in-memory stores instead of PostgreSQL

	// HTTP
	Port int `json:"port,omitempty"`

	// Logging
	LogLevel    string `json:"log_level,omitempty"`
	Development bool   `json:"development,omitempty"`

	// Engine
	DiscoveryInterval Duration `json:"discovery_interval,omitempty"`
	PollInterval      Duration `json:"poll_interval,omitempty"` // How often idle queue workers poll
	ActiveRunDelay    Duration `json:"active_run_delay,omitempty"`
	ContinuationDelay Duration `json:"continuation_delay,omitempty"`
	WorkerConcurrency int      `json:"worker_concurrency,omitempty"`
	ItemConcurrency   int      `json:"item_concurrency,omitempty"`

	// Definitions applied at start
	WorkflowsDir string `json:"workflows_dir,omitempty"`

	// Auth
	JWTSecret          string `json:"jwt_secret,omitempty"`
	JWTExpirationHours int    `json:"jwt_expiration_hours,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:               8080,
		LogLevel:           "info",
		DiscoveryInterval:  Duration(time.Minute),
		PollInterval:       Duration(time.Second),
		ActiveRunDelay:     Duration(time.Minute),
		ContinuationDelay:  Duration(time.Minute),
		WorkerConcurrency:  5,
		ItemConcurrency:    10,
		JWTExpirationHours: 24,
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration has valid values.
// Note: This doesn't check that a database is configured since --memory
// may still be given on the command line.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config error: 'port' must be between 0 and 65535, got %d", c.Port)
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("config error: invalid 'log_level': %w", err)
		}
	}

	// Validate numeric ranges
	if c.WorkerConcurrency < 0 {
		return fmt.Errorf("config error: 'worker_concurrency' must be non-negative")
	}
	if c.ItemConcurrency < 0 {
		return fmt.Errorf("config error: 'item_concurrency' must be non-negative")
	}
	if c.JWTExpirationHours < 0 {
		return fmt.Errorf("config error: 'jwt_expiration_hours' must be non-negative")
	}
	durations := map[string]Duration{
		"discovery_interval": c.DiscoveryInterval,
		"poll_interval":      c.PollInterval,
		"active_run_delay":   c.ActiveRunDelay,
		"continuation_delay": c.ContinuationDelay,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("config error: '%s' must be non-negative", name)
		}
	}

	if c.WorkflowsDir != "" {
		info, err := os.Stat(c.WorkflowsDir)
		if err == nil && !info.IsDir() {
			return fmt.Errorf("config error: workflows_dir is not a directory: %s", c.WorkflowsDir)
		}
	}

	return nil
}

// MergeWithDefaults returns a new Config with zero fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.LogLevel == "" {
		result.LogLevel = defaults.LogLevel
	}
	if result.WorkflowsDir == "" {
		result.WorkflowsDir = defaults.WorkflowsDir
	}
	if result.JWTSecret == "" {
		result.JWTSecret = defaults.JWTSecret
	}

	// Numeric fields: use default if zero
	if result.Port == 0 {
		result.Port = defaults.Port
	}
	if result.WorkerConcurrency == 0 {
		result.WorkerConcurrency = defaults.WorkerConcurrency
	}
	if result.ItemConcurrency == 0 {
		result.ItemConcurrency = defaults.ItemConcurrency
	}
	if result.JWTExpirationHours == 0 {
		result.JWTExpirationHours = defaults.JWTExpirationHours
	}
	if result.DiscoveryInterval == 0 {
		result.DiscoveryInterval = defaults.DiscoveryInterval
	}
	if result.PollInterval == 0 {
		result.PollInterval = defaults.PollInterval
	}
	if result.ActiveRunDelay == 0 {
		result.ActiveRunDelay = defaults.ActiveRunDelay
	}
	if result.ContinuationDelay == 0 {
		result.ContinuationDelay = defaults.ContinuationDelay
	}

	// Bool fields: cannot distinguish unset from false, so we don't merge
	// (CLI flags should always win for bools)

	return result
}

// ApplyEnv overrides fields from DATABASE_URL, PORT, LOG_LEVEL, JWT_SECRET,
// JWT_EXPIRATION_HOURS and WORKFLOWS_DIR when they are set.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("WORKFLOWS_DIR"); v != "" {
		c.WorkflowsDir = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT: %v", err)
		}
		c.Port = port
	}
	if v := os.Getenv("JWT_EXPIRATION_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid JWT_EXPIRATION_HOURS: %v", err)
		}
		c.JWTExpirationHours = hours
	}
	return nil
}

// Load builds the effective configuration: the optional file at path, then
// environment overrides, then defaults for whatever is still unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	merged := cfg.MergeWithDefaults(Defaults())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}
