package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBFile      string        `yaml:"db_file"`
	Addr        string        `yaml:"addr"`
	BaseURL     string        `yaml:"base_url"`
	StorageRoot string        `yaml:"storage_root"`
	StaticDir   string        `yaml:"static_dir"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	LogLevel    string        `yaml:"log_level"`
	LogPretty   bool          `yaml:"log_pretty"`
}

func defaults() *Config {
	return &Config{
		DBFile:      "telechat.db",
		Addr:        ":8080",
		BaseURL:     "http://localhost:8080",
		StorageRoot: "storage",
		StaticDir:   "static",
		TokenExpiry: 24 * time.Hour,
		LogLevel:    "info",
	}
}

// Load applies, in order: defaults, the YAML file named by TELECHAT_CONFIG
// (when set), environment variables. The result is validated.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("TELECHAT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.DBFile = getEnv("TELECHAT_DB", c.DBFile)
	c.Addr = getEnv("ADDR", c.Addr)
	c.BaseURL = getEnv("BASE_URL", c.BaseURL)
	c.StorageRoot = getEnv("STORAGE_ROOT", c.StorageRoot)
	c.StaticDir = getEnv("STATIC_DIR", c.StaticDir)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	if v, ok := os.LookupEnv("TOKEN_EXPIRY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TOKEN_EXPIRY: %w", err)
		}
		c.TokenExpiry = d
	}
	if v, ok := os.LookupEnv("LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_PRETTY: %w", err)
		}
		c.LogPretty = b
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DBFile == "" {
		return errors.New("TELECHAT_DB is required")
	}

	if c.Addr == "" {
		return errors.New("ADDR is required")
	}

	if c.StorageRoot == "" {
		return errors.New("STORAGE_ROOT is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
