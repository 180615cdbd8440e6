// Package config loads maestro settings from an optional YAML file overlay
// and environment variables. Environment variables win.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerURL  string `mapstructure:"server_url"`
	Port       int    `mapstructure:"port"`
	DataDir    string `mapstructure:"data_dir"`
	SessionDir string `mapstructure:"session_dir"`
	DBPath     string `mapstructure:"db_path"`
	Project    string `mapstructure:"project"`
	LogLevel   string `mapstructure:"log_level"`
	LogJSON    bool   `mapstructure:"log_json"`
	APIKey     string `mapstructure:"api_key"`
	// Push channel
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap  time.Duration `mapstructure:"reconnect_cap"`
	// Spawn
	SpawnDedupWindow time.Duration `mapstructure:"spawn_dedup_window"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// Default returns the built-in settings.
func Default() *Config {
	base := maestroHome()
	return &Config{
		ServerURL:        "http://localhost:2357",
		Port:             2357,
		DataDir:          filepath.Join(base, "data"),
		SessionDir:       filepath.Join(base, "sessions"),
		LogLevel:         "info",
		LogJSON:          true,
		ReconnectBase:    time.Second,
		ReconnectCap:     30 * time.Second,
		SpawnDedupWindow: 2 * time.Second,
		RequestTimeout:   30 * time.Second,
	}
}

// Load merges the defaults, the global and project config files and the
// environment, then validates the result.
func Load() (*Config, error) {
	cfg := Default()

	for _, path := range []string{GlobalConfigPath(), ProjectConfigPath()} {
		if err := LoadFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "maestro.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys missing from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return err
	}
	return v.Unmarshal(cfg)
}

func (c *Config) applyEnv() {
	c.ServerURL = envStr("MAESTRO_SERVER_URL", c.ServerURL)
	c.Port = envInt("PORT", c.Port)
	c.DataDir = envStr("MAESTRO_DATA_DIR", c.DataDir)
	c.SessionDir = envStr("MAESTRO_SESSION_DIR", c.SessionDir)
	c.DBPath = envStr("MAESTRO_DB_PATH", c.DBPath)
	c.Project = envStr("MAESTRO_PROJECT", c.Project)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.LogJSON = envBool("LOG_JSON", c.LogJSON)
	c.APIKey = envStr("MAESTRO_API_KEY", c.APIKey)
	c.ReconnectBase = envDuration("RECONNECT_BASE", c.ReconnectBase)
	c.ReconnectCap = envDuration("RECONNECT_CAP", c.ReconnectCap)
	c.SpawnDedupWindow = envDuration("SPAWN_DEDUP_WINDOW", c.SpawnDedupWindow)
	c.RequestTimeout = envDuration("REQUEST_TIMEOUT", c.RequestTimeout)
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("MAESTRO_SERVER_URL must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.DBPath == "" {
		return fmt.Errorf("MAESTRO_DB_PATH must not be empty")
	}
	if c.SessionDir == "" {
		return fmt.Errorf("MAESTRO_SESSION_DIR must not be empty")
	}
	if c.ReconnectBase <= 0 {
		return fmt.Errorf("RECONNECT_BASE must be positive, got %s", c.ReconnectBase)
	}
	if c.ReconnectCap < c.ReconnectBase {
		return fmt.Errorf("RECONNECT_CAP must be at least RECONNECT_BASE, got %s", c.ReconnectCap)
	}
	if c.SpawnDedupWindow < 0 {
		return fmt.Errorf("SPAWN_DEDUP_WINDOW must not be negative, got %s", c.SpawnDedupWindow)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}

// Addr is the listen address for the reference server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SlogLevel maps LogLevel onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GlobalConfigPath returns the path to the global config file
func GlobalConfigPath() string {
	return filepath.Join(maestroHome(), "config.yaml")
}

// ProjectConfigPath returns the path to the project config file
func ProjectConfigPath() string {
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, ".maestro", "config.yaml")
}

func maestroHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".maestro"
	}
	return filepath.Join(home, ".maestro")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
