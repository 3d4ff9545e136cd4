package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_JWTSettings(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		expiration string
		want       time.Duration
		wantErr    string
	}{
		{name: "default expiration", secret: "test-secret-key-0123", want: 24 * time.Hour},
		{name: "custom expiration", secret: "test-secret-key-0123", expiration: "72", want: 72 * time.Hour},
		{name: "non-numeric expiration", secret: "test-secret-key-0123", expiration: "soon", wantErr: "invalid JWT_EXPIRATION_HOURS"},
		{name: "zero expiration", secret: "test-secret-key-0123", expiration: "0", wantErr: "JWTExpirationHours"},
		{name: "short secret", secret: "s", wantErr: "JWTSecret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORE_DRIVER", DriverSQLite)
			t.Setenv("JWT_SECRET", tt.secret)
			t.Setenv("JWT_EXPIRATION_HOURS", tt.expiration)

			cfg, err := Load("")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			jwtCfg, err := cfg.JWT()
			require.NoError(t, err)
			assert.Equal(t, tt.secret, jwtCfg.Secret)
			assert.Equal(t, TokenIssuer, jwtCfg.Issuer)
			assert.Equal(t, tt.want, jwtCfg.Expiration)
		})
	}
}

func TestJWT_RequiresSecret(t *testing.T) {
	cfg := Defaults()

	jwtCfg, err := cfg.JWT()
	require.Error(t, err)
	assert.Nil(t, jwtCfg)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_JWTSecretFromFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`
store_driver = "sqlite"
jwt_secret = "file-secret-0123456789"
jwt_expiration_hours = 2
`), 0644))
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_EXPIRATION_HOURS", "")

	cfg, err := Load(tmpFile)
	require.NoError(t, err)

	jwtCfg, err := cfg.JWT()
	require.NoError(t, err)
	assert.Equal(t, "file-secret-0123456789", jwtCfg.Secret)
	assert.Equal(t, 2*time.Hour, jwtCfg.Expiration)
}
