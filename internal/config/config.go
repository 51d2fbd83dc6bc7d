// Package config loads the garnish service configuration: a JSON file,
// overridden by GARNISH_* environment variables, validated once at startup.
//
// Component sections (watcher, pipeline) carry a type string plus opaque
// string params; the factories for each type validate the params they
// understand. Unknown JSON fields are ignored so configs written for newer
// builds still load.
package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrNotFound is returned by Load when the config file does not exist.
var ErrNotFound = errors.New("config file not found")

// Component selects one pluggable implementation by type name and hands it
// its parameters uninterpreted.
type Component struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// TablesConfig controls which descriptor entries this instance loads and
// how.
type TablesConfig struct {
	// Allow filters descriptor entries by table name (doublestar globs).
	// Empty loads everything the descriptor names.
	Allow []string `json:"allow,omitempty" env:"GARNISH_TABLES_ALLOW" envSeparator:","`

	// Concurrency bounds parallel table loads during a reload.
	Concurrency int `json:"concurrency,omitempty" env:"GARNISH_TABLES_CONCURRENCY"`
}

// ReloadConfig controls the reload coordinator.
type ReloadConfig struct {
	// MinInterval is the minimum spacing between reload attempts
	// (Go duration string).
	MinInterval string `json:"min_interval,omitempty" env:"GARNISH_RELOAD_MIN_INTERVAL"`

	// ResyncCron optionally schedules unconditional reloads (6-field cron
	// expression, seconds first). Empty disables resync.
	ResyncCron string `json:"resync_cron,omitempty" env:"GARNISH_RELOAD_RESYNC_CRON"`
}

// S3SourceConfig enables and configures the s3:// table source.
type S3SourceConfig struct {
	Enabled   bool   `json:"enabled,omitempty" env:"GARNISH_S3_ENABLED"`
	Region    string `json:"region,omitempty" env:"GARNISH_S3_REGION"`
	Endpoint  string `json:"endpoint,omitempty" env:"GARNISH_S3_ENDPOINT"`
	Anonymous bool   `json:"anonymous,omitempty" env:"GARNISH_S3_ANONYMOUS"`
	AccessKey string `json:"access_key,omitempty" env:"GARNISH_S3_ACCESS_KEY"`
	SecretKey string `json:"secret_key,omitempty" env:"GARNISH_S3_SECRET_KEY"`
}

// GCSSourceConfig enables and configures the gs:// table source.
type GCSSourceConfig struct {
	Enabled   bool `json:"enabled,omitempty" env:"GARNISH_GCS_ENABLED"`
	Anonymous bool `json:"anonymous,omitempty" env:"GARNISH_GCS_ANONYMOUS"`
}

// AzureSourceConfig enables and configures the azblob:// table source.
type AzureSourceConfig struct {
	Enabled          bool   `json:"enabled,omitempty" env:"GARNISH_AZURE_ENABLED"`
	ConnectionString string `json:"connection_string,omitempty" env:"GARNISH_AZURE_CONNECTION_STRING"`
	ServiceURL       string `json:"service_url,omitempty" env:"GARNISH_AZURE_SERVICE_URL"`
}

// SourcesConfig selects which location schemes this instance can fetch
// table content from. Local files are always available.
type SourcesConfig struct {
	S3    S3SourceConfig    `json:"s3,omitempty"`
	GCS   GCSSourceConfig   `json:"gcs,omitempty"`
	Azure AzureSourceConfig `json:"azure,omitempty"`
}

// AuthConfig configures bearer-token auth on the mutating ops endpoints.
// An empty secret leaves those endpoints open.
type AuthConfig struct {
	// JWTSecret is the base64-encoded HMAC secret.
	JWTSecret string `json:"jwt_secret,omitempty" env:"GARNISH_JWT_SECRET"`

	// TokenDuration is the lifetime of issued tokens (Go duration string).
	TokenDuration string `json:"token_duration,omitempty" env:"GARNISH_TOKEN_DURATION"`
}

// Config is the full service configuration.
type Config struct {
	// Listen is the ops server address. Empty disables the ops server.
	Listen string `json:"listen,omitempty" env:"GARNISH_LISTEN"`

	// LogLevel is the default log level: debug, info, warn, or error.
	LogLevel string `json:"log_level,omitempty" env:"GARNISH_LOG_LEVEL"`

	// Watcher tracks the change-descriptor document: file, kafka, or mqtt.
	Watcher Component `json:"watcher"`

	// Pipeline moves events through the engine: kafka or chatterbox.
	// An empty type runs no pipeline (ops-only instance).
	Pipeline Component `json:"pipeline,omitempty"`

	Tables  TablesConfig  `json:"tables,omitempty"`
	Reload  ReloadConfig  `json:"reload,omitempty"`
	Sources SourcesConfig `json:"sources,omitempty"`
	Auth    AuthConfig    `json:"auth,omitempty"`
}

// Default returns the configuration used when no config file exists: a
// file watcher on ./tables.json and the synthetic chatterbox pipeline, so
// a bare `garnish server` run exercises the whole reload and lookup path.
func Default() Config {
	return Config{
		Listen:   ":4570",
		LogLevel: "info",
		Watcher: Component{
			Type:   "file",
			Params: map[string]string{"path": "tables.json"},
		},
		Pipeline: Component{Type: "chatterbox"},
	}
}

// Load reads the config file at path, applies GARNISH_* environment
// overrides, and validates the result. A missing file is ErrNotFound;
// callers decide whether to fall back to Default.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays GARNISH_* environment variables onto cfg. Set
// variables win over file values.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Validate checks the parts of the config that must be sound before any
// component is built. Component params are validated by their factories.
func (c Config) Validate() error {
	if c.Watcher.Type == "" {
		return errors.New("watcher.type is required")
	}

	if c.Reload.MinInterval != "" {
		if _, err := time.ParseDuration(c.Reload.MinInterval); err != nil {
			return fmt.Errorf("reload.min_interval: %w", err)
		}
	}
	if c.Auth.TokenDuration != "" {
		if _, err := time.ParseDuration(c.Auth.TokenDuration); err != nil {
			return fmt.Errorf("auth.token_duration: %w", err)
		}
	}
	if c.Auth.JWTSecret != "" {
		if _, err := base64.StdEncoding.DecodeString(c.Auth.JWTSecret); err != nil {
			return fmt.Errorf("auth.jwt_secret is not valid base64: %w", err)
		}
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Interval returns the parsed reload spacing, or zero when unset.
// Validate has already rejected unparseable values.
func (c ReloadConfig) Interval() time.Duration {
	if c.MinInterval == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.MinInterval)
	return d
}

// Secret returns the decoded JWT secret, nil when unset.
func (c AuthConfig) Secret() []byte {
	if c.JWTSecret == "" {
		return nil
	}
	secret, _ := base64.StdEncoding.DecodeString(c.JWTSecret)
	return secret
}

// Duration returns the token lifetime, defaulting to 7 days.
func (c AuthConfig) Duration() time.Duration {
	if c.TokenDuration == "" {
		return 168 * time.Hour
	}
	d, _ := time.ParseDuration(c.TokenDuration)
	return d
}
