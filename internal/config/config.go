package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config models missionline.yml (or missionline.toml).
type Config struct {
	Economics struct {
		ProtocolFeeRate float64 `yaml:"protocol_fee_rate" toml:"protocol_fee_rate" json:"protocol_fee_rate"`
		VerifierRate    float64 `yaml:"verifier_rate" toml:"verifier_rate" json:"verifier_rate"`
		ProtocolAccount string  `yaml:"protocol_account" toml:"protocol_account" json:"protocol_account"`
		MinReward       float64 `yaml:"min_reward" toml:"min_reward" json:"min_reward"`
		MinTitleLength  int     `yaml:"min_title_length" toml:"min_title_length" json:"min_title_length"`
		MaxRevisions    int     `yaml:"max_revisions" toml:"max_revisions" json:"max_revisions"`
	} `yaml:"economics" toml:"economics" json:"economics"`
	Assignment struct {
		HistoryWindow     int     `yaml:"history_window" toml:"history_window" json:"history_window"`
		MonopolyThreshold int     `yaml:"monopoly_threshold" toml:"monopoly_threshold" json:"monopoly_threshold"`
		MonopolyStep      float64 `yaml:"monopoly_step" toml:"monopoly_step" json:"monopoly_step"`
		MonopolyFloor     float64 `yaml:"monopoly_floor" toml:"monopoly_floor" json:"monopoly_floor"`
	} `yaml:"assignment" toml:"assignment" json:"assignment"`
	Bidding struct {
		Window string `yaml:"window" toml:"window" json:"window"`
	} `yaml:"bidding" toml:"bidding" json:"bidding"`
	Timeouts struct {
		Execution    string `yaml:"execution" toml:"execution" json:"execution"`
		Verification string `yaml:"verification" toml:"verification" json:"verification"`
	} `yaml:"timeouts" toml:"timeouts" json:"timeouts"`
	Bonds struct {
		WorkerStake   float64 `yaml:"worker_stake" toml:"worker_stake" json:"worker_stake"`
		VerifierStake float64 `yaml:"verifier_stake" toml:"verifier_stake" json:"verifier_stake"`
		MaxActive     float64 `yaml:"max_active" toml:"max_active" json:"max_active"`
	} `yaml:"bonds" toml:"bonds" json:"bonds"`
	Scheduler struct {
		Interval string `yaml:"interval" toml:"interval" json:"interval"`
	} `yaml:"scheduler" toml:"scheduler" json:"scheduler"`
	Reputation struct {
		CacheSize int `yaml:"cache_size" toml:"cache_size" json:"cache_size"`
	} `yaml:"reputation" toml:"reputation" json:"reputation"`
}

// Load reads config from the workspace, falling back to defaults when no file exists.
func Load(workspace string) (*Config, error) {
	for _, path := range []string{Path(workspace), TOMLPath(workspace)} {
		if _, err := os.Stat(path); err == nil {
			return FromFile(path)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return Default(), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	e := c.Economics
	if e.ProtocolFeeRate < 0 || e.ProtocolFeeRate >= 1 {
		return fmt.Errorf("config.economics.protocol_fee_rate must be in [0,1)")
	}
	if e.VerifierRate < 0 || e.VerifierRate >= 1 {
		return fmt.Errorf("config.economics.verifier_rate must be in [0,1)")
	}
	if e.ProtocolFeeRate+e.VerifierRate >= 1 {
		return fmt.Errorf("config.economics fee and verifier rates leave nothing for the worker")
	}
	if e.ProtocolAccount == "" {
		return fmt.Errorf("config.economics.protocol_account is required")
	}
	if e.MinReward < 0 {
		return fmt.Errorf("config.economics.min_reward must be >= 0")
	}
	if e.MaxRevisions < 0 {
		return fmt.Errorf("config.economics.max_revisions must be >= 0")
	}
	a := c.Assignment
	if a.HistoryWindow <= 0 {
		return fmt.Errorf("config.assignment.history_window must be positive")
	}
	if a.MonopolyThreshold < 0 {
		return fmt.Errorf("config.assignment.monopoly_threshold must be >= 0")
	}
	if a.MonopolyFloor < 0 || a.MonopolyFloor > 1 {
		return fmt.Errorf("config.assignment.monopoly_floor must be in [0,1]")
	}
	if a.MonopolyStep < 0 {
		return fmt.Errorf("config.assignment.monopoly_step must be >= 0")
	}
	for name, v := range map[string]string{
		"bidding.window":        c.Bidding.Window,
		"timeouts.execution":    c.Timeouts.Execution,
		"timeouts.verification": c.Timeouts.Verification,
		"scheduler.interval":    c.Scheduler.Interval,
	} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config.%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("config.%s must not be negative", name)
		}
	}
	b := c.Bonds
	if b.WorkerStake < 0 || b.VerifierStake < 0 || b.MaxActive < 0 {
		return fmt.Errorf("config.bonds amounts must be >= 0")
	}
	return nil
}

func duration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func (c *Config) BiddingWindow() time.Duration { return duration(c.Bidding.Window, 10*time.Minute) }

// ExecutionTimeout of zero disables the execution deadline.
func (c *Config) ExecutionTimeout() time.Duration { return duration(c.Timeouts.Execution, 0) }

func (c *Config) VerificationTimeout() time.Duration {
	return duration(c.Timeouts.Verification, 0)
}

func (c *Config) SchedulerInterval() time.Duration {
	return duration(c.Scheduler.Interval, 5*time.Second)
}

// Path returns the YAML config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.yml")
}

func TOMLPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.toml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromTOML parses and validates config from raw TOML bytes.
func FromTOML(data []byte) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("invalid config toml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads config from path, choosing the format by extension.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FromTOML(data)
	}
	return FromYAML(data)
}

const defaultTemplate = `economics:
  protocol_fee_rate: 0.05
  verifier_rate: 0.10
  protocol_account: protocol
  min_reward: 0
  min_title_length: 3
  max_revisions: 3

assignment:
  history_window: 10
  monopoly_threshold: 3
  monopoly_step: 0.1
  monopoly_floor: 0.5

bidding:
  window: 10m

timeouts:
  execution: 24h
  verification: 6h

bonds:
  worker_stake: 0
  verifier_stake: 0
  max_active: 0

scheduler:
  interval: 5s

reputation:
  cache_size: 1024
`
