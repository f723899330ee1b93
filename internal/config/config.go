// Package config loads slimy configuration from YAML with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all slimy configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Vision   VisionConfig   `yaml:"vision"`
	Review   ReviewConfig   `yaml:"review"`
	Sheets   SheetsConfig   `yaml:"sheets"`
	Logging  LoggingConfig  `yaml:"logging"`

	// GuildOverrides allows per-guild review policy tuning.
	GuildOverrides map[string]ReviewConfig `yaml:"guild_overrides"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// VisionConfig configures the vision oracle.
type VisionConfig struct {
	APIKey string `yaml:"api_key"` // overridden by GEMINI_API_KEY
	Model  string `yaml:"model"`   // strong model, fallback source of truth

	// WeakModel enables the dual-model ensemble when non-empty.
	WeakModel string `yaml:"weak_model"`

	// BoostModel is used for the stricter, slower re-extraction pass.
	BoostModel string `yaml:"boost_model"`

	Timeout       string `yaml:"timeout"`
	MaxConcurrent int    `yaml:"max_concurrent"` // bounded screenshot parallelism
}

// ReviewConfig configures review-session QA thresholds.
type ReviewConfig struct {
	SuspiciousJumpPct float64 `yaml:"suspicious_jump_pct"`
	ConfidenceFloor   float64 `yaml:"confidence_floor"`
	MinRows           int     `yaml:"min_rows"`
	MaxBoosts         int     `yaml:"max_boosts"`
	SessionTTL        string  `yaml:"session_ttl"`
}

// SheetsConfig configures the post-commit sheet mirror.
type SheetsConfig struct {
	ExportDir string `yaml:"export_dir"` // empty disables the CSV mirror
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "slimy.db"},
		Vision: VisionConfig{
			Model:         "gemini-2.5-pro",
			WeakModel:     "gemini-2.5-flash",
			BoostModel:    "gemini-2.5-pro",
			Timeout:       "2m",
			MaxConcurrent: 3,
		},
		Review: ReviewConfig{
			SuspiciousJumpPct: 85,
			ConfidenceFloor:   0.70,
			MinRows:           3,
			MaxBoosts:         2,
			SessionTTL:        "15m",
		},
		Logging: LoggingConfig{Level: "info", Encoding: "json"},
	}
}

// Load reads cfg from path, layering file values over defaults and the
// environment over both. A missing file is not an error; the defaults
// plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.Vision.APIKey = key
	}
	if p := os.Getenv("SLIMY_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}

	return cfg, nil
}

// ReviewFor returns the review config for a guild, applying any override.
func (c *Config) ReviewFor(guildID string) ReviewConfig {
	if o, ok := c.GuildOverrides[guildID]; ok {
		merged := c.Review
		if o.SuspiciousJumpPct > 0 {
			merged.SuspiciousJumpPct = o.SuspiciousJumpPct
		}
		if o.ConfidenceFloor > 0 {
			merged.ConfidenceFloor = o.ConfidenceFloor
		}
		if o.MinRows > 0 {
			merged.MinRows = o.MinRows
		}
		if o.MaxBoosts > 0 {
			merged.MaxBoosts = o.MaxBoosts
		}
		if o.SessionTTL != "" {
			merged.SessionTTL = o.SessionTTL
		}
		return merged
	}
	return c.Review
}

// VisionTimeout parses the configured oracle timeout.
func (c *Config) VisionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Vision.Timeout)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// SessionTTL parses the configured session TTL.
func (r ReviewConfig) TTL() time.Duration {
	d, err := time.ParseDuration(r.SessionTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}
