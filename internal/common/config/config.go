// Package config provides configuration management for Maestro.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Maestro engine.
type Config struct {
	ConfigDir  string           `mapstructure:"configDir"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// RemoteConfig holds the remote control gateway configuration.
type RemoteConfig struct {
	Host string `mapstructure:"host"`
	// Port 0 means pick a free port at startup; the chosen port is
	// reported to the GUI and logged.
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds the optional NATS event-bus backend configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SupervisorConfig holds agent process supervision tunables.
type SupervisorConfig struct {
	// StreamCoalesceSeconds is the window within which consecutive stdout
	// chunks append to the same log entry rather than opening a new one.
	StreamCoalesceSeconds int `mapstructure:"streamCoalesceSeconds"`
	// InterruptGraceSeconds is how long to wait for an agent to acknowledge
	// an interrupt before escalating to SIGTERM and SIGKILL.
	InterruptGraceSeconds int `mapstructure:"interruptGraceSeconds"`
	// PtyCols and PtyRows are the default dimensions of agent PTYs.
	PtyCols int `mapstructure:"ptyCols"`
	PtyRows int `mapstructure:"ptyRows"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (r *RemoteConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(r.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (r *RemoteConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(r.WriteTimeout) * time.Second
}

// StreamCoalesceWindow returns the stdout coalescence window as a duration.
func (s *SupervisorConfig) StreamCoalesceWindow() time.Duration {
	return time.Duration(s.StreamCoalesceSeconds) * time.Second
}

// InterruptGrace returns the interrupt escalation grace as a duration.
func (s *SupervisorConfig) InterruptGrace() time.Duration {
	return time.Duration(s.InterruptGraceSeconds) * time.Second
}

// DefaultConfigDir returns the OS-specific configuration directory,
// honoring the MAESTRO_CONFIG_DIR override.
func DefaultConfigDir() string {
	if dir := os.Getenv("MAESTRO_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Maestro")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Maestro")
		}
		return filepath.Join(home, "AppData", "Roaming", "Maestro")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "maestro")
		}
		return filepath.Join(home, ".config", "maestro")
	}
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("MAESTRO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("configDir", DefaultConfigDir())

	// Remote gateway defaults - port 0 picks a free port at startup
	v.SetDefault("remote.host", "0.0.0.0")
	v.SetDefault("remote.port", 0)
	v.SetDefault("remote.readTimeout", 30)
	v.SetDefault("remote.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "maestro-engine")
	v.SetDefault("nats.maxReconnects", 10)

	// Supervisor defaults
	v.SetDefault("supervisor.streamCoalesceSeconds", 5)
	v.SetDefault("supervisor.interruptGraceSeconds", 10)
	v.SetDefault("supervisor.ptyCols", 120)
	v.SetDefault("supervisor.ptyRows", 40)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MAESTRO_ with snake_case naming.
// The config file is config.yaml in the configuration directory.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE env vars,
	// so the documented variables are bound explicitly.
	_ = v.BindEnv("configDir", "MAESTRO_CONFIG_DIR")
	_ = v.BindEnv("remote.port", "MAESTRO_REMOTE_PORT")
	_ = v.BindEnv("nats.url", "MAESTRO_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(DefaultConfigDir())
	v.AddConfigPath(".")

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

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Remote.Port < 0 || cfg.Remote.Port > 65535 {
		errs = append(errs, "remote.port must be between 0 and 65535")
	}

	if cfg.Supervisor.StreamCoalesceSeconds < 0 {
		errs = append(errs, "supervisor.streamCoalesceSeconds must not be negative")
	}
	if cfg.Supervisor.InterruptGraceSeconds <= 0 {
		errs = append(errs, "supervisor.interruptGraceSeconds must be positive")
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

// SessionsPath returns the path of the persisted session array.
func (c *Config) SessionsPath() string {
	return filepath.Join(c.ConfigDir, "sessions.json")
}

// PlaybooksDir returns the directory holding per-session playbook files.
func (c *Config) PlaybooksDir() string {
	return filepath.Join(c.ConfigDir, "playbooks")
}

// HistoryDir returns the directory holding per-workspace history logs.
func (c *Config) HistoryDir() string {
	return filepath.Join(c.ConfigDir, "history")
}

// StatsPath returns the path of the persistent Auto Run counters.
func (c *Config) StatsPath() string {
	return filepath.Join(c.ConfigDir, "autorun-stats.json")
}

// SettingsPath returns the path of the opaque user preference store.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.ConfigDir, "settings.json")
}

// CLIActivityPath returns the path of the cross-instance liveness record.
func (c *Config) CLIActivityPath() string {
	return filepath.Join(c.ConfigDir, "cli-activity.json")
}

// AgentsOverlayPath returns the path of the user agent-definition overlay.
func (c *Config) AgentsOverlayPath() string {
	return filepath.Join(c.ConfigDir, "agents.yaml")
}
