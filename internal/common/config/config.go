// Package config provides configuration management for CodeHarbor.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for CodeHarbor.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Git           GitConfig           `mapstructure:"git"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver is "sqlite" (default) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GitConfig holds git runtime configuration.
type GitConfig struct {
	DataDir        string `mapstructure:"dataDir"`        // root for mirrors and worktrees
	CommandTimeout int    `mapstructure:"commandTimeout"` // in seconds, per git command
	CloneTimeout   int    `mapstructure:"cloneTimeout"`   // in seconds, for clone/fetch
}

// AgentConfig holds agent provider configuration.
type AgentConfig struct {
	DefaultProvider string `mapstructure:"defaultProvider"`
	ClaudeBinary    string `mapstructure:"claudeBinary"`
	DefaultModel    string `mapstructure:"defaultModel"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NotificationsConfig holds notification dispatch configuration.
type NotificationsConfig struct {
	WebhookTimeout int `mapstructure:"webhookTimeout"` // in seconds
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CommandTimeoutDuration returns the git command timeout as a time.Duration.
func (g *GitConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(g.CommandTimeout) * time.Second
}

// CloneTimeoutDuration returns the clone/fetch timeout as a time.Duration.
func (g *GitConfig) CloneTimeoutDuration() time.Duration {
	return time.Duration(g.CloneTimeout) * time.Second
}

// WebhookTimeoutDuration returns the webhook timeout as a time.Duration.
func (n *NotificationsConfig) WebhookTimeoutDuration() time.Duration {
	return time.Duration(n.WebhookTimeout) * time.Second
}

// MirrorsDir returns the directory holding bare mirror clones.
func (g *GitConfig) MirrorsDir() string {
	return filepath.Join(g.DataDir, "repos")
}

// WorktreesDir returns the directory holding session worktrees.
func (g *GitConfig) WorktreesDir() string {
	return filepath.Join(g.DataDir, "worktrees")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CODEHARBOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codeharbor"
	}
	return filepath.Join(home, ".codeharbor")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file under the data dir
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(defaultDataDir(), "codeharbor.db"))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "codeharbor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "codeharbor")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Git defaults
	v.SetDefault("git.dataDir", defaultDataDir())
	v.SetDefault("git.commandTimeout", 60)
	v.SetDefault("git.cloneTimeout", 600)

	// Agent defaults
	v.SetDefault("agent.defaultProvider", "claude")
	v.SetDefault("agent.claudeBinary", "claude")
	v.SetDefault("agent.defaultModel", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Notification defaults
	v.SetDefault("notifications.webhookTimeout", 10)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODEHARBOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/codeharbor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CODEHARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("git.dataDir", "CODEHARBOR_GIT_DATA_DIR")
	_ = v.BindEnv("agent.defaultProvider", "CODEHARBOR_AGENT_DEFAULT_PROVIDER")
	_ = v.BindEnv("agent.claudeBinary", "CODEHARBOR_AGENT_CLAUDE_BINARY")
	_ = v.BindEnv("database.dbName", "CODEHARBOR_DATABASE_DB_NAME")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/codeharbor/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch strings.ToLower(cfg.Database.Driver) {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Git.DataDir == "" {
		errs = append(errs, "git.dataDir is required")
	}
	if cfg.Git.CommandTimeout <= 0 {
		errs = append(errs, "git.commandTimeout must be positive")
	}
	if cfg.Git.CloneTimeout <= 0 {
		errs = append(errs, "git.cloneTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
