// Package platform provides server configuration.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Sessions SessionsConfig `yaml:"sessions"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Database DatabaseConfig `yaml:"database"`
	Audit    AuditConfig    `yaml:"audit"`
	Security SecurityConfig `yaml:"security"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Name    string    `yaml:"name"`
	Version string    `yaml:"version"`
	Address string    `yaml:"address"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig configures session authentication behavior.
type AuthConfig struct {
	// AllowAnonymous enables automatic anonymous authentication for
	// sessions without credentials.
	AllowAnonymous bool `yaml:"allow_anonymous"`

	// ConfigurationMode marks first-time server setup. In this mode a
	// session with no bound user adopts the first authenticated identity.
	ConfigurationMode bool `yaml:"configuration_mode"`
}

// SessionsConfig configures the session registry.
type SessionsConfig struct {
	// TTL is the idle timeout after which a session is closed.
	TTL time.Duration `yaml:"ttl"`

	// CleanupInterval is how often expired sessions are swept.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// DefaultLocale is used when a request supplies no locale.
	DefaultLocale string `yaml:"default_locale"`
}

// TasksConfig configures async background tasks.
type TasksConfig struct {
	// MaxConcurrent is the per-session concurrent task quota.
	// Zero means unlimited.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DatabaseConfig configures the optional PostgreSQL connection.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// SecurityConfig configures the embedded security backend.
type SecurityConfig struct {
	// SigningKey signs auth-session handles issued by the local backend.
	SigningKey string `yaml:"signing_key"`

	// TokenTTL bounds the lifetime of issued auth-session handles.
	TokenTTL time.Duration `yaml:"token_ttl"`

	Users  []UserDef  `yaml:"users"`
	Grants []GrantDef `yaml:"grants"`
}

// UserDef defines a user known to the embedded security backend.
type UserDef struct {
	ID           string   `yaml:"id"`
	PasswordHash string   `yaml:"password_hash"`
	Permissions  []string `yaml:"permissions"`
}

// GrantDef defines an object-permission grant.
type GrantDef struct {
	Subject    string `yaml:"subject"`
	ObjectType string `yaml:"object_type"`
	ObjectID   string `yaml:"object_id"`
}

const (
	defaultAddress         = ":8978"
	defaultSessionTTL      = 30 * time.Minute
	defaultCleanupInterval = time.Minute
	defaultLocale          = "en"
	defaultTokenTTL        = 24 * time.Hour
	defaultRetentionDays   = 90
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads, expands and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "cloudquay"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "dev"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = defaultAddress
	}
	if cfg.Sessions.TTL <= 0 {
		cfg.Sessions.TTL = defaultSessionTTL
	}
	if cfg.Sessions.CleanupInterval <= 0 {
		cfg.Sessions.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Sessions.DefaultLocale == "" {
		cfg.Sessions.DefaultLocale = defaultLocale
	}
	if cfg.Security.TokenTTL <= 0 {
		cfg.Security.TokenTTL = defaultTokenTTL
	}
	if cfg.Audit.RetentionDays <= 0 {
		cfg.Audit.RetentionDays = defaultRetentionDays
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("tls enabled but cert_file or key_file missing")
		}
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database enabled but dsn missing")
	}
	if c.Audit.Enabled && !c.Database.Enabled {
		return fmt.Errorf("audit persistence requires database.enabled")
	}
	if c.Tasks.MaxConcurrent < 0 {
		return fmt.Errorf("tasks.max_concurrent must not be negative")
	}
	for i, u := range c.Security.Users {
		if u.ID == "" {
			return fmt.Errorf("security.users[%d]: id is required", i)
		}
	}
	return nil
}
