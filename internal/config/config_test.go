package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ValidJSON(t *testing.T) {
	content := `{
		"store_driver": "sqlite",
		"sqlite_path": "/var/lib/autoapply/engine.db",
		"worker_concurrency": 4,
		"stuck_timeout": "20m",
		"log_format": "json"
	}`

	tmpFile := filepath.Join(t.TempDir(), "config.json")
	err := os.WriteFile(tmpFile, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "/var/lib/autoapply/engine.db", cfg.SQLitePath)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 20*time.Minute, cfg.StuckTimeout.Std())
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadConfig_ValidTOML(t *testing.T) {
	content := `
store_driver = "postgres"
database_url = "postgres://autoapply@localhost:5432/autoapply"
max_attempts = 5
approval_ttl = "45m"
poll_interval = "500ms"
`

	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(content), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, "postgres://autoapply@localhost:5432/autoapply", cfg.DatabaseURL)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 45*time.Minute, cfg.ApprovalTTL.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval.Std())
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	badJSON := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(badJSON, []byte(`{ invalid json }`), 0644))
	badTOML := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(badTOML, []byte(`stuck_timeout = "forever"`), 0644))

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"empty path", "", "config path is empty"},
		{"missing file", "/nonexistent/path/config.json", "failed to read config file"},
		{"invalid JSON", badJSON, "failed to parse config JSON"},
		{"invalid TOML duration", badTOML, "failed to parse config TOML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(tt.path)
			assert.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STORE_DRIVER":       "SQLite",
		"SQLITE_PATH":        "/tmp/engine.db",
		"WORKER_CONCURRENCY": "8",
		"STUCK_TIMEOUT":      "30m",
		"CLAIM_TTL":          "1m",
		"LOG_LEVEL":          "DEBUG",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Defaults()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "/tmp/engine.db", cfg.SQLitePath)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 30*time.Minute, cfg.StuckTimeout.Std())
	assert.Equal(t, time.Minute, cfg.ClaimTTL.Std())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.MaxAttempts, "unset keys keep their value")
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	for key, value := range map[string]string{
		"WORKER_CONCURRENCY": "many",
		"RECOVERY_INTERVAL":  "hourly",
	} {
		t.Run(key, func(t *testing.T) {
			cfg := Defaults()
			err := cfg.ApplyEnv(func(k string) (string, bool) {
				if k == key {
					return value, true
				}
				return "", false
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Defaults()
	valid.DatabaseURL = "postgres://localhost/autoapply"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid postgres", func(*Config) {}, ""},
		{"valid sqlite", func(c *Config) { c.StoreDriver = DriverSQLite; c.DatabaseURL = "" }, ""},
		{"postgres without url", func(c *Config) { c.DatabaseURL = "" }, "database_url"},
		{"sqlite without path", func(c *Config) { c.StoreDriver = DriverSQLite; c.SQLitePath = "" }, "sqlite_path"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mysql" }, "StoreDriver"},
		{"zero workers", func(c *Config) { c.WorkerConcurrency = 0 }, "WorkerConcurrency"},
		{"zero max attempts", func(c *Config) { c.MaxAttempts = 0 }, "MaxAttempts"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
		{"short jwt secret", func(c *Config) { c.JWTSecret = "short" }, "JWTSecret"},
		{"zero jwt expiration", func(c *Config) { c.JWTExpirationHours = 0 }, "JWTExpirationHours"},
		{"lease longer than stuck timeout", func(c *Config) { c.ClaimTTL = Duration(time.Hour) }, "claim_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMergeWithDefaults(t *testing.T) {
	cfg := &Config{
		StoreDriver: DriverSQLite,
		MaxAttempts: 5,
	}

	result := cfg.MergeWithDefaults(Defaults())

	assert.Equal(t, DriverSQLite, result.StoreDriver, "set fields are kept")
	assert.Equal(t, 5, result.MaxAttempts)
	assert.Equal(t, 15*time.Minute, result.StuckTimeout.Std(), "empty fields take defaults")
	assert.Equal(t, 20*time.Minute, result.ApprovalTTL.Std())
	assert.Equal(t, ":8080", result.ListenAddr)
	assert.Equal(t, 0, cfg.WorkerConcurrency, "receiver is not modified")
}

func TestLoad_PrecedenceFileThenEnv(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`
store_driver = "sqlite"
sqlite_path = "from-file.db"
max_attempts = 4
`), 0644))

	t.Setenv("SQLITE_PATH", "from-env.db")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MAX_ATTEMPTS", "")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "from-env.db", cfg.SQLitePath)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
}
