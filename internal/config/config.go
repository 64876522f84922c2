package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is used when no path is supplied.
const DefaultConfigFile = "config.yaml"

// AppConfig holds command-line level application inputs.
type AppConfig struct {
	ConfigPath string
}

// Config is the file-backed application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Retention RetentionConfig `yaml:"retention"`
}

// DatabaseConfig selects the backing database.
type DatabaseConfig struct {
	// DSN accepts a postgres URL or a sqlite file path / :memory:.
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the optional redis client used for coupon
// velocity counters. Leave Addr empty to fall back to database counting.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig configures structured logging and file rotation.
type LogConfig struct {
	Level string `yaml:"level"`

	// File enables rotated file output when set; empty logs to stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RetentionConfig bounds how long settled usage records are kept.
// Deduction records are never purged.
type RetentionConfig struct {
	UsageDays     int `yaml:"usage_days"`
	SweepInterval int `yaml:"sweep_interval_minutes"`
}

// ResolveConfigPath normalizes a config path, defaulting next to the
// working directory.
func ResolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultConfigFile
	}
	return filepath.Clean(path)
}

// Exists reports whether a config file is present at path.
func Exists(path string) bool {
	info, errStat := os.Stat(ResolveConfigPath(path))
	return errStat == nil && !info.IsDir()
}

// Load reads and decodes the config file.
func Load(path string) (*Config, error) {
	raw, errRead := os.ReadFile(ResolveConfigPath(path))
	if errRead != nil {
		return nil, fmt.Errorf("read config: %w", errRead)
	}
	var cfg Config
	if errDecode := yaml.Unmarshal(raw, &cfg); errDecode != nil {
		return nil, fmt.Errorf("parse config: %w", errDecode)
	}
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database.dsn is required")
	}
	return &cfg, nil
}

// LoadDatabaseDSN reads only the database DSN from the config file.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, errLoad := Load(path)
	if errLoad != nil {
		return "", errLoad
	}
	return cfg.Database.DSN, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.Retention.SweepInterval <= 0 {
		c.Retention.SweepInterval = 60
	}
}
