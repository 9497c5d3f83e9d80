// Package config loads server configuration.
//
// Sources, later ones win:
//
//  1. Built-in defaults
//  2. YAML file (optional; missing file means defaults)
//  3. Environment: PORT, DATABASE_PATH, LOG_LEVEL
//  4. Command-line flags, applied by the caller via BindFlags
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/loyalty-engine/rewards"
)

type Server struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Database struct {
	// Path is the SQLite file, or ":memory:".
	Path string `yaml:"path"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Rewards struct {
	AccrualThreshold  int           `yaml:"accrual_threshold"`
	StrictEligibility bool          `yaml:"strict_eligibility"`
	StorageTimeout    time.Duration `yaml:"storage_timeout"`
	MaxRedeemAttempts int           `yaml:"max_redeem_attempts"`
	HistoryLimit      int           `yaml:"history_limit"`
}

type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Log      Log      `yaml:"log"`
	Rewards  Rewards  `yaml:"rewards"`
}

func Default() *Config {
	return &Config{
		Server: Server{
			Port:           3000,
			AllowedOrigins: []string{"*"},
		},
		Database: Database{Path: "cafe_rewards.db"},
		Log:      Log{Level: "info"},
		Rewards: Rewards{
			AccrualThreshold:  rewards.DefaultThreshold,
			StorageTimeout:    rewards.DefaultStorageTimeout,
			MaxRedeemAttempts: rewards.DefaultMaxRedeemAttempts,
			HistoryLimit:      50,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path or a missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("DATABASE_PATH"); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// BindFlags registers flags that override the loaded values once fs is parsed.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Server.Port, "port", c.Server.Port, "HTTP server port")
	fs.StringVar(&c.Database.Path, "db", c.Database.Path, "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: debug, info, warn, error")
	fs.IntVar(&c.Rewards.AccrualThreshold, "threshold", c.Rewards.AccrualThreshold, "purchases needed for one reward")
	fs.BoolVar(&c.Rewards.StrictEligibility, "strict-eligibility", c.Rewards.StrictEligibility, "report eligible only while the current block is unredeemed")
}

// Policy converts the rewards section into an engine policy.
func (c *Config) Policy() rewards.Policy {
	return rewards.Policy{
		Threshold:         c.Rewards.AccrualThreshold,
		StrictEligibility: c.Rewards.StrictEligibility,
		StorageTimeout:    c.Rewards.StorageTimeout,
		MaxRedeemAttempts: c.Rewards.MaxRedeemAttempts,
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Rewards.HistoryLimit < 1 {
		return fmt.Errorf("rewards.history_limit must be >= 1, got %d", c.Rewards.HistoryLimit)
	}
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("rewards: %w", err)
	}
	return nil
}
