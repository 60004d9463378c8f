// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Discord      DiscordConfig      `yaml:"discord"`
	Slack        SlackConfig        `yaml:"slack"`
	Log          LogConfig          `yaml:"log"`
}

// DatabaseConfig holds connection settings for the durable store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file path
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// OrchestratorConfig tunes the session orchestrator.
type OrchestratorConfig struct {
	StopTimeoutSec int    `yaml:"stop_timeout_sec"`
	EventBuffer    int    `yaml:"event_buffer"`
	Autostart      bool   `yaml:"autostart"`
	ReconnectCron  string `yaml:"reconnect_cron"`
}

// SessionsConfig controls how session blobs are sealed at rest.
type SessionsConfig struct {
	AgeIdentityFile string   `yaml:"age_identity_file"`
	AgeRecipients   []string `yaml:"age_recipients"`
}

// DiscordConfig holds the fallback bot token used when an instance has no
// persisted session.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds fallback Socket Mode tokens.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// LogConfig controls the zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads a YAML config file from path and returns a validated Config.
// If envFile is non-empty it is loaded into the process environment first;
// a missing env file is not an error.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load env %s: %w", envFile, err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references and unmarshals YAML bytes into a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" {
		c.Database.Name = "switchboard"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "switchboard.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3001
	}
	if c.Orchestrator.StopTimeoutSec == 0 {
		c.Orchestrator.StopTimeoutSec = 10
	}
	if c.Orchestrator.EventBuffer == 0 {
		c.Orchestrator.EventBuffer = 64
	}
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Orchestrator.StopTimeoutSec < 0 {
		errs = append(errs, "orchestrator.stop_timeout_sec must not be negative")
	}
	if c.Orchestrator.EventBuffer < 0 {
		errs = append(errs, "orchestrator.event_buffer must not be negative")
	}
	for i, r := range c.Sessions.AgeRecipients {
		if !strings.HasPrefix(r, "age1") {
			errs = append(errs, fmt.Sprintf("sessions.age_recipients[%d] is not an age public key", i))
		}
	}
	if len(c.Sessions.AgeRecipients) > 0 && c.Sessions.AgeIdentityFile == "" {
		errs = append(errs, "sessions.age_identity_file is required when age_recipients are set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
