package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models streamline.yml.
type Config struct {
	Scheduler struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		MaxConcurrent int           `yaml:"max_concurrent"`
	} `yaml:"scheduler"`
	Worker struct {
		Command             string        `yaml:"command"`
		Args                []string      `yaml:"args"`
		StallTimeout        time.Duration `yaml:"stall_timeout"`
		MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	} `yaml:"worker"`
	Worktree struct {
		Enabled    bool   `yaml:"enabled"`
		Repo       string `yaml:"repo"`
		BaseBranch string `yaml:"base_branch"`
	} `yaml:"worktree"`
	Gateway struct {
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		MaxSubscriptions  int           `yaml:"max_subscriptions"`
		SendQueueSize     int           `yaml:"send_queue_size"`
	} `yaml:"gateway"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sl init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("config.scheduler.poll_interval must be positive")
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("config.scheduler.max_concurrent must be at least 1")
	}
	if c.Worker.Command == "" {
		return fmt.Errorf("config.worker.command is required")
	}
	if c.Worker.StallTimeout <= 0 {
		return fmt.Errorf("config.worker.stall_timeout must be positive")
	}
	if c.Worker.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("config.worker.max_recovery_attempts must not be negative")
	}
	if c.Worktree.Enabled && c.Worktree.Repo == "" {
		return fmt.Errorf("config.worktree.repo is required when worktrees are enabled")
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("config.gateway.heartbeat_interval must be positive")
	}
	if c.Gateway.PongTimeout <= 0 {
		return fmt.Errorf("config.gateway.pong_timeout must be positive")
	}
	if c.Gateway.MaxSubscriptions < 1 {
		return fmt.Errorf("config.gateway.max_subscriptions must be at least 1")
	}
	if c.Gateway.SendQueueSize < 1 {
		return fmt.Errorf("config.gateway.send_queue_size must be at least 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "streamline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `scheduler:
  # How often the scheduler re-evaluates stream readiness.
  poll_interval: 30s
  # Maximum streams running at once.
  max_concurrent: 5

worker:
  # Command launched once per ready stream. The stream context is passed
  # as the final argument.
  command: claude
  args: []
  # A worker making no task progress for this long is considered stalled.
  stall_timeout: 10m
  max_recovery_attempts: 3

worktree:
  enabled: false
  repo: .
  base_branch: main

gateway:
  heartbeat_interval: 30s
  pong_timeout: 10s
  max_subscriptions: 50
  send_queue_size: 64

server:
  addr: 127.0.0.1:8410
  # Leave empty to disable bearer-token auth on the read-only API.
  jwt_secret: ""
`
