package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Provider      ProviderConfig      `toml:"provider"`
	Tools         ToolsConfig         `toml:"tools"`
	Web           WebConfig           `toml:"web"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath  string `toml:"database_path"`
	MaxConcurrent int64  `toml:"max_concurrent"`
	LogBufferSize int    `toml:"log_buffer_size"`
}

// SchedulerConfig holds poll cadences for the trigger loops
type SchedulerConfig struct {
	TickSeconds     int `toml:"tick_seconds"`
	DispatchSeconds int `toml:"dispatch_seconds"`
}

// ProviderConfig holds agent provider settings
type ProviderConfig struct {
	Command string `toml:"command"`
	Model   string `toml:"model"`
	WorkDir string `toml:"work_dir"`
}

// ToolsConfig holds tool server settings
type ToolsConfig struct {
	ManifestDir     string `toml:"manifest_dir"`
	CredentialsFile string `toml:"credentials_file"`
	CallTimeoutSecs int    `toml:"call_timeout_seconds"`
}

// WebConfig holds HTTP server settings
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".runway")
	return &Config{
		General: GeneralConfig{
			DatabasePath:  filepath.Join(base, "runway.db"),
			MaxConcurrent: 8,
			LogBufferSize: 64,
		},
		Scheduler: SchedulerConfig{
			TickSeconds:     60,
			DispatchSeconds: 30,
		},
		Provider: ProviderConfig{
			Command: "claude",
		},
		Tools: ToolsConfig{
			ManifestDir:     filepath.Join(base, "tools"),
			CredentialsFile: filepath.Join(base, "credentials.toml"),
			CallTimeoutSecs: 30,
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8484,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Tools.ManifestDir = ExpandPath(cfg.Tools.ManifestDir)
	cfg.Tools.CredentialsFile = ExpandPath(cfg.Tools.CredentialsFile)
	cfg.Provider.WorkDir = ExpandPath(cfg.Provider.WorkDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the trigger loops cannot run with
func (c *Config) Validate() error {
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be positive, got %d", c.Scheduler.TickSeconds)
	}
	if c.Scheduler.DispatchSeconds <= 0 {
		return fmt.Errorf("scheduler.dispatch_seconds must be positive, got %d", c.Scheduler.DispatchSeconds)
	}
	if c.General.MaxConcurrent <= 0 {
		return fmt.Errorf("general.max_concurrent must be positive, got %d", c.General.MaxConcurrent)
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port %d out of range", c.Web.Port)
	}
	return nil
}

// TickInterval returns the scheduler cadence as a duration
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickSeconds) * time.Second
}

// DispatchInterval returns the dispatcher cadence as a duration
func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.Scheduler.DispatchSeconds) * time.Second
}

// ToolCallTimeout returns the per-call tool timeout as a duration
func (c *Config) ToolCallTimeout() time.Duration {
	return time.Duration(c.Tools.CallTimeoutSecs) * time.Second
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "runway", "config.toml")
}
