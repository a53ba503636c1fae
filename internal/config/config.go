package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Stages        StagesConfig        `toml:"stages"`
	Interpreter   InterpreterConfig   `toml:"interpreter"`
	Notifications NotificationsConfig `toml:"notifications"`
	Redis         RedisConfig         `toml:"redis"`
	Alerts        AlertsConfig        `toml:"alerts"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds orchestrator-wide settings
type GeneralConfig struct {
	DatabasePath  string        `toml:"database_path"`
	PollInterval  time.Duration `toml:"poll_interval"`
	Workers       int           `toml:"workers"`
	ClaimLimit    int           `toml:"claim_limit"`
	StockFile     string        `toml:"stock_file"`
	RosterFile    string        `toml:"roster_file"`
	ConflictRetry int           `toml:"conflict_retry"`
}

// StagesConfig holds retry and deadline policy per stage execution
type StagesConfig struct {
	MaxRetries   int           `toml:"max_retries"`
	Timeout      time.Duration `toml:"timeout"`
	BackoffBase  time.Duration `toml:"backoff_base"`
	BackoffLimit time.Duration `toml:"backoff_limit"`
}

// InterpreterConfig holds the external interpreter endpoint settings
type InterpreterConfig struct {
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"timeout"`
}

// NotificationsConfig holds outbound delivery settings
type NotificationsConfig struct {
	WebhookURL   string `toml:"webhook_url"`
	AdminContact string `toml:"admin_contact"`
}

// RedisConfig holds the optional status cache settings
type RedisConfig struct {
	Addr      string        `toml:"addr"`
	StatusTTL time.Duration `toml:"status_ttl"`
}

// AlertsConfig holds the low-stock sweep schedule
type AlertsConfig struct {
	Cron string `toml:"cron"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath:  filepath.Join(home, ".relief-orchestrator", "relief.db"),
			PollInterval:  30 * time.Second,
			Workers:       4,
			ClaimLimit:    16,
			ConflictRetry: 3,
		},
		Stages: StagesConfig{
			MaxRetries:   2,
			Timeout:      2 * time.Minute,
			BackoffBase:  10 * time.Second,
			BackoffLimit: 10 * time.Minute,
		},
		Interpreter: InterpreterConfig{
			Timeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			StatusTTL: time.Hour,
		},
		Alerts: AlertsConfig{
			Cron: "*/15 * * * *",
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
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
	cfg.General.StockFile = ExpandPath(cfg.General.StockFile)
	cfg.General.RosterFile = ExpandPath(cfg.General.RosterFile)

	return cfg, nil
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
	return filepath.Join(home, ".config", "relief-orchestrator", "config.toml")
}
