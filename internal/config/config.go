// Package config provides configuration management for seshat.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultHTTPPort is the API server port when nothing overrides it.
	DefaultHTTPPort = 37600

	// DefaultMaxConns is the database connection pool size.
	DefaultMaxConns = 4

	dataDirName  = ".seshat"
	dbFileName   = "seshat.db"
	settingsFile = "settings.yaml"
)

// Config holds the runtime settings, loaded from the settings file with
// environment overrides applied on top.
type Config struct {
	HTTPPort int    `yaml:"http_port"`
	Backend  string `yaml:"backend"`      // sqlite or postgres
	DBPath   string `yaml:"db_path"`      // sqlite file; empty means the data-dir default
	DSN      string `yaml:"postgres_dsn"` // postgres only
	MaxConns int    `yaml:"max_conns"`

	RedisAddr string `yaml:"redis_addr"` // optional retrieval cache backend

	TokenBudget          int     `yaml:"token_budget"`
	SessionTimeoutMin    int     `yaml:"session_timeout_minutes"`
	PromotionIntervalSec int     `yaml:"promotion_interval_seconds"`
	PromotionBatchSize   int     `yaml:"promotion_batch_size"`
	MinImportance        float64 `yaml:"min_importance"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:             DefaultHTTPPort,
		Backend:              "sqlite",
		MaxConns:             DefaultMaxConns,
		TokenBudget:          4096,
		SessionTimeoutMin:    30,
		PromotionIntervalSec: 30,
		PromotionBatchSize:   10,
		MinImportance:        0.5,
		LogLevel:             "info",
	}
}

// DataDir returns the per-user data directory.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, dataDirName)
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), dbFileName)
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), settingsFile)
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll initializes the data directory and settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads the settings file and applies environment overrides. A
// missing or unparseable file yields the defaults rather than an error:
// the runtime must come up even with a damaged settings file.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(SettingsPath()); err == nil {
		var loaded Config
		if yaml.Unmarshal(data, &loaded) == nil {
			merge(cfg, &loaded)
		}
	}

	applyEnv(cfg)

	if cfg.DBPath == "" {
		cfg.DBPath = DBPath()
	}
	return cfg, nil
}

// merge copies the non-zero fields of src over dst.
func merge(dst, src *Config) {
	if src.HTTPPort != 0 {
		dst.HTTPPort = src.HTTPPort
	}
	if src.Backend != "" {
		dst.Backend = src.Backend
	}
	if src.DBPath != "" {
		dst.DBPath = src.DBPath
	}
	if src.DSN != "" {
		dst.DSN = src.DSN
	}
	if src.MaxConns != 0 {
		dst.MaxConns = src.MaxConns
	}
	if src.RedisAddr != "" {
		dst.RedisAddr = src.RedisAddr
	}
	if src.TokenBudget != 0 {
		dst.TokenBudget = src.TokenBudget
	}
	if src.SessionTimeoutMin != 0 {
		dst.SessionTimeoutMin = src.SessionTimeoutMin
	}
	if src.PromotionIntervalSec != 0 {
		dst.PromotionIntervalSec = src.PromotionIntervalSec
	}
	if src.PromotionBatchSize != 0 {
		dst.PromotionBatchSize = src.PromotionBatchSize
	}
	if src.MinImportance != 0 {
		dst.MinImportance = src.MinImportance
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SESHAT_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = port
		}
	}
	if v := os.Getenv("SESHAT_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("SESHAT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SESHAT_POSTGRES_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("SESHAT_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SESHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// HTTPPortFromEnv returns the API port, honoring SESHAT_HTTP_PORT.
func HTTPPortFromEnv() int {
	if v := os.Getenv("SESHAT_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return DefaultHTTPPort
}
