// Package config provides configuration loading and validation for the
// engine's server, worker and sweeper processes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Duration is a time.Duration that reads and writes as "15m" style text in
// JSON and TOML config files.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents engine configuration. Values come from defaults, then an
// optional JSON or TOML file, then environment variables, then CLI flags.
type Config struct {
	// Storage
	StoreDriver string `json:"store_driver,omitempty" toml:"store_driver,omitempty" validate:"oneof=postgres sqlite"`
	DatabaseURL string `json:"database_url,omitempty" toml:"database_url,omitempty"` // PostgreSQL connection URL
	SQLitePath  string `json:"sqlite_path,omitempty" toml:"sqlite_path,omitempty"`   // Embedded database file

	// Worker
	WorkerConcurrency int      `json:"worker_concurrency,omitempty" toml:"worker_concurrency,omitempty" validate:"gte=1,lte=64"`
	PollInterval      Duration `json:"poll_interval,omitempty" toml:"poll_interval,omitempty" validate:"gt=0"`
	ClaimTTL          Duration `json:"claim_ttl,omitempty" toml:"claim_ttl,omitempty" validate:"gt=0"`

	// Recovery and approvals
	StuckTimeout     Duration `json:"stuck_timeout,omitempty" toml:"stuck_timeout,omitempty" validate:"gt=0"`
	MaxAttempts      int      `json:"max_attempts,omitempty" toml:"max_attempts,omitempty" validate:"gte=1"`
	RecoveryInterval Duration `json:"recovery_interval,omitempty" toml:"recovery_interval,omitempty" validate:"gt=0"`
	ApprovalTTL      Duration `json:"approval_ttl,omitempty" toml:"approval_ttl,omitempty" validate:"gt=0"`
	LockPath         string   `json:"lock_path,omitempty" toml:"lock_path,omitempty"` // Host-local sweeper lock

	// Server
	ListenAddr         string `json:"listen_addr,omitempty" toml:"listen_addr,omitempty"`
	JWTSecret          string `json:"jwt_secret,omitempty" toml:"jwt_secret,omitempty" validate:"omitempty,min=16"`
	JWTExpirationHours int    `json:"jwt_expiration_hours,omitempty" toml:"jwt_expiration_hours,omitempty" validate:"gte=1,lte=720"`

	// Logging
	LogLevel  string `json:"log_level,omitempty" toml:"log_level,omitempty" validate:"oneof=debug info warn error"`
	LogFormat string `json:"log_format,omitempty" toml:"log_format,omitempty" validate:"oneof=text json"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		StoreDriver:        DriverPostgres,
		SQLitePath:         "autoapply.db",
		WorkerConcurrency:  2,
		PollInterval:       Duration(2 * time.Second),
		ClaimTTL:           Duration(30 * time.Second),
		StuckTimeout:       Duration(15 * time.Minute),
		MaxAttempts:        3,
		RecoveryInterval:   Duration(time.Minute),
		ApprovalTTL:        Duration(20 * time.Minute),
		LockPath:           filepath.Join(os.TempDir(), "autoapply-sweeper.lock"),
		ListenAddr:         ":8080",
		JWTExpirationHours: 24,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load builds the effective configuration: defaults, overlaid by the file
// at path (if any), overlaid by environment variables. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		fileCfg, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg.MergeWithDefaults(cfg)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads configuration from a JSON or TOML file, chosen by
// extension. Returns an error if the file cannot be read or parsed.
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
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	return &cfg, nil
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %v", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid %s: %v", key, err)
		}
		return nil
	}

	str("STORE_DRIVER", &c.StoreDriver)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SQLITE_PATH", &c.SQLitePath)
	str("LOCK_PATH", &c.LockPath)
	str("LISTEN_ADDR", &c.ListenAddr)
	str("JWT_SECRET", &c.JWTSecret)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	for key, dst := range map[string]*int{
		"WORKER_CONCURRENCY":   &c.WorkerConcurrency,
		"MAX_ATTEMPTS":         &c.MaxAttempts,
		"JWT_EXPIRATION_HOURS": &c.JWTExpirationHours,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*Duration{
		"POLL_INTERVAL":     &c.PollInterval,
		"CLAIM_TTL":         &c.ClaimTTL,
		"STUCK_TIMEOUT":     &c.StuckTimeout,
		"RECOVERY_INTERVAL": &c.RecoveryInterval,
		"APPROVAL_TTL":      &c.ApprovalTTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	return nil
}

var validate = validator.New()

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config error: 'database_url' is required for the postgres store")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config error: 'sqlite_path' is required for the sqlite store")
		}
	}

	if c.ClaimTTL.Std() >= c.StuckTimeout.Std() {
		return fmt.Errorf("config error: 'claim_ttl' (%s) must be shorter than 'stuck_timeout' (%s)",
			c.ClaimTTL.Std(), c.StuckTimeout.Std())
	}

	return nil
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	// String fields: use default if empty
	if result.StoreDriver == "" {
		result.StoreDriver = defaults.StoreDriver
	}
	if result.DatabaseURL == "" {
		result.DatabaseURL = defaults.DatabaseURL
	}
	if result.SQLitePath == "" {
		result.SQLitePath = defaults.SQLitePath
	}
	if result.LockPath == "" {
		result.LockPath = defaults.LockPath
	}
	if result.ListenAddr == "" {
		result.ListenAddr = defaults.ListenAddr
	}
	if result.JWTSecret == "" {
		result.JWTSecret = defaults.JWTSecret
	}
	if result.LogLevel == "" {
		result.LogLevel = defaults.LogLevel
	}
	if result.LogFormat == "" {
		result.LogFormat = defaults.LogFormat
	}

	// Numeric fields: use default if zero
	if result.WorkerConcurrency == 0 {
		result.WorkerConcurrency = defaults.WorkerConcurrency
	}
	if result.MaxAttempts == 0 {
		result.MaxAttempts = defaults.MaxAttempts
	}
	if result.JWTExpirationHours == 0 {
		result.JWTExpirationHours = defaults.JWTExpirationHours
	}
	if result.PollInterval == 0 {
		result.PollInterval = defaults.PollInterval
	}
	if result.ClaimTTL == 0 {
		result.ClaimTTL = defaults.ClaimTTL
	}
	if result.StuckTimeout == 0 {
		result.StuckTimeout = defaults.StuckTimeout
	}
	if result.RecoveryInterval == 0 {
		result.RecoveryInterval = defaults.RecoveryInterval
	}
	if result.ApprovalTTL == 0 {
		result.ApprovalTTL = defaults.ApprovalTTL
	}

	return result
}
