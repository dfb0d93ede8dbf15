package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConflictStrategies lists the accepted values for migration.conflict_strategy.
// "manual" requires an explicit resolution for every conflict that is not
// auto-resolvable.
var ConflictStrategies = []string{
	"manual",
	"use_local", "use_remote", "merge",
	"local_wins", "remote_wins", "merge_values",
	"skip_field",
}

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// Config holds all configuration for the migration tool
type Config struct {
	Local     LocalConfig     `yaml:"local"`
	State     StateConfig     `yaml:"state"`
	Remote    RemoteConfig    `yaml:"remote"`
	Auth      AuthConfig      `yaml:"auth"`
	Migration MigrationConfig `yaml:"migration"`
	Slack     SlackConfig     `yaml:"slack"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LocalConfig points at the on-device profile store
type LocalConfig struct {
	Path string `yaml:"path"` // SQLite file (default: <data_dir>/local.db)
}

// StateConfig selects where checkpoints, backups and history are kept
type StateConfig struct {
	Backend string `yaml:"backend"` // "sqlite" (default) or "file"
	Path    string `yaml:"path"`    // default: <data_dir>/state.db or state.yaml
}

// RemoteConfig holds backend connection settings
type RemoteConfig struct {
	Type     string `yaml:"type"` // "postgres" (default) or "memory"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Schema   string `yaml:"schema"`
	SSLMode  string `yaml:"ssl_mode"` // disable, require, verify-ca, verify-full (default: require)
	MaxConns int    `yaml:"max_conns"`
}

// AuthConfig verifies the access token that identifies the migrating user
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// MigrationConfig holds migration behavior settings
type MigrationConfig struct {
	DataDir          string            `yaml:"data_dir"`
	ConflictStrategy string            `yaml:"conflict_strategy"` // default: manual
	Resolutions      map[string]string `yaml:"resolutions"`       // conflict id -> strategy
	AllowCancel      *bool             `yaml:"allow_cancel"`      // default: true
	HistoryLimit     int               `yaml:"history_limit"`     // default: 10
	RetryMaxElapsed  time.Duration     `yaml:"retry_max_elapsed"` // default: 30s
}

// SlackConfig holds Slack notification settings
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	Enabled    bool   `yaml:"enabled"`
}

// MetricsConfig enables the Prometheus endpoint
type MetricsConfig struct {
	Addr string `yaml:"addr"` // e.g. ":9108"; empty disables
}

// LoadOptions controls configuration loading behavior.
type LoadOptions struct {
	SuppressWarnings bool
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions reads configuration from a YAML file with options.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	// Check file permissions before reading (warns if insecure)
	if warning := checkFilePermissions(path); warning != "" && !opts.SuppressWarnings {
		fmt.Fprint(os.Stderr, warning)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadBytes(data)
}

// LoadBytes reads configuration from YAML bytes.
func LoadBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with every default applied and an in-memory
// remote, for running without a config file.
func Default() *Config {
	cfg := &Config{Remote: RemoteConfig{Type: "memory"}}
	cfg.applyDefaults()
	return cfg
}

// DefaultDataDir returns the default data directory for state storage.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".fitsync-migrate")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func (c *Config) applyDefaults() {
	if c.Migration.DataDir == "" {
		home, _ := os.UserHomeDir()
		c.Migration.DataDir = filepath.Join(home, ".fitsync-migrate")
	} else {
		c.Migration.DataDir = expandTilde(c.Migration.DataDir)
	}

	if c.Local.Path == "" {
		c.Local.Path = filepath.Join(c.Migration.DataDir, "local.db")
	} else {
		c.Local.Path = expandTilde(c.Local.Path)
	}

	if c.State.Backend == "" {
		c.State.Backend = "sqlite"
	}
	if c.State.Path == "" {
		if c.State.Backend == "file" {
			c.State.Path = filepath.Join(c.Migration.DataDir, "state.yaml")
		} else {
			c.State.Path = filepath.Join(c.Migration.DataDir, "state.db")
		}
	} else {
		c.State.Path = expandTilde(c.State.Path)
	}

	if c.Remote.Type == "" {
		c.Remote.Type = "postgres"
	}
	if c.Remote.Port == 0 {
		c.Remote.Port = 5432
	}
	if c.Remote.Schema == "" {
		c.Remote.Schema = "public"
	}
	if c.Remote.SSLMode == "" {
		c.Remote.SSLMode = "require" // Secure default
	}
	if c.Remote.MaxConns == 0 {
		c.Remote.MaxConns = 4
	}

	if c.Migration.ConflictStrategy == "" {
		c.Migration.ConflictStrategy = "manual"
	}
	if c.Migration.AllowCancel == nil {
		allow := true
		c.Migration.AllowCancel = &allow
	}
	if c.Migration.HistoryLimit == 0 {
		c.Migration.HistoryLimit = 10
	}
	if c.Migration.RetryMaxElapsed == 0 {
		c.Migration.RetryMaxElapsed = 30 * time.Second
	}
}

func (c *Config) validate() error {
	switch c.State.Backend {
	case "sqlite", "file":
	default:
		return fmt.Errorf("state.backend must be 'sqlite' or 'file', got '%s'", c.State.Backend)
	}

	switch c.Remote.Type {
	case "postgres":
		if c.Remote.Host == "" {
			return fmt.Errorf("remote.host is required")
		}
		if c.Remote.Database == "" {
			return fmt.Errorf("remote.database is required")
		}
	case "memory":
	default:
		return fmt.Errorf("remote.type must be 'postgres' or 'memory', got '%s'", c.Remote.Type)
	}
	if c.Remote.MaxConns < 0 {
		return fmt.Errorf("remote.max_conns must be positive")
	}

	if !validStrategy(c.Migration.ConflictStrategy) {
		return fmt.Errorf("migration.conflict_strategy must be one of %s, got '%s'",
			strings.Join(ConflictStrategies, ", "), c.Migration.ConflictStrategy)
	}
	for id, s := range c.Migration.Resolutions {
		if s == "manual" || !validStrategy(s) {
			return fmt.Errorf("migration.resolutions[%s]: invalid strategy '%s'", id, s)
		}
	}
	if c.Migration.HistoryLimit < 1 {
		return fmt.Errorf("migration.history_limit must be at least 1")
	}
	if c.Migration.RetryMaxElapsed < 0 {
		return fmt.Errorf("migration.retry_max_elapsed must not be negative")
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return fmt.Errorf("slack.webhook_url is required when slack is enabled")
	}
	return nil
}

func validStrategy(s string) bool {
	for _, v := range ConflictStrategies {
		if v == s {
			return true
		}
	}
	return false
}

// CancelAllowed reports whether an in-flight migration may be cancelled.
func (c *Config) CancelAllowed() bool {
	return c.Migration.AllowCancel == nil || *c.Migration.AllowCancel
}

// RemoteDSN returns the backend connection string
func (c *Config) RemoteDSN() string {
	return buildPostgresDSN(c.Remote.Host, c.Remote.Port, c.Remote.Database,
		c.Remote.User, c.Remote.Password, c.Remote.SSLMode, c.Remote.Schema)
}

// buildPostgresDSN builds a PostgreSQL URL, escaping credentials and database name
func buildPostgresDSN(host string, port int, database, user, password, sslMode, schema string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + database,
	}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	if schema != "" && schema != "public" {
		q.Set("search_path", schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Sanitized returns a copy of the config with sensitive fields redacted
func (c *Config) Sanitized() *Config {
	sanitized := *c // shallow copy

	if sanitized.Remote.Password != "" {
		sanitized.Remote.Password = "[REDACTED]"
	}
	if sanitized.Auth.JWTSecret != "" {
		sanitized.Auth.JWTSecret = "[REDACTED]"
	}
	if sanitized.Slack.WebhookURL != "" {
		sanitized.Slack.WebhookURL = "[REDACTED]"
	}

	return &sanitized
}
