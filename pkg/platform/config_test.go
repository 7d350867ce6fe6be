package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "cloudquay", cfg.Server.Name)
	assert.Equal(t, ":8978", cfg.Server.Address)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.TTL)
	assert.Equal(t, time.Minute, cfg.Sessions.CleanupInterval)
	assert.Equal(t, "en", cfg.Sessions.DefaultLocale)
	assert.Equal(t, 24*time.Hour, cfg.Security.TokenTTL)
	assert.Equal(t, 90, cfg.Audit.RetentionDays)
	assert.Zero(t, cfg.Tasks.MaxConcurrent)
	assert.False(t, cfg.Auth.AllowAnonymous)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  name: test-server
  address: ":9000"
auth:
  allow_anonymous: true
sessions:
  ttl: 10m
  default_locale: de
tasks:
  max_concurrent: 4
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "test-server", cfg.Server.Name)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.True(t, cfg.Auth.AllowAnonymous)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.TTL)
	assert.Equal(t, "de", cfg.Sessions.DefaultLocale)
	assert.Equal(t, 4, cfg.Tasks.MaxConcurrent)

	// Omitted sections fall back to defaults.
	assert.Equal(t, time.Minute, cfg.Sessions.CleanupInterval)
	assert.Equal(t, 24*time.Hour, cfg.Security.TokenTTL)
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_CQ_DSN", "postgres://localhost/cq")
	t.Setenv("TEST_CQ_KEY", "from-env")

	path := writeConfig(t, `
database:
  enabled: true
  dsn: ${TEST_CQ_DSN}
security:
  signing_key: ${TEST_CQ_KEY}
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/cq", cfg.Database.DSN)
	assert.Equal(t, "from-env", cfg.Security.SigningKey)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [broken")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name: "tls without cert",
			mutate: func(c *Config) {
				c.Server.TLS.Enabled = true
			},
			wantErr: "cert_file",
		},
		{
			name: "database without dsn",
			mutate: func(c *Config) {
				c.Database.Enabled = true
			},
			wantErr: "dsn",
		},
		{
			name: "audit without database",
			mutate: func(c *Config) {
				c.Audit.Enabled = true
			},
			wantErr: "database.enabled",
		},
		{
			name: "negative task quota",
			mutate: func(c *Config) {
				c.Tasks.MaxConcurrent = -1
			},
			wantErr: "max_concurrent",
		},
		{
			name: "user without id",
			mutate: func(c *Config) {
				c.Security.Users = []UserDef{{PasswordHash: "x"}}
			},
			wantErr: "id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
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
