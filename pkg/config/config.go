package config

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay configuration loaded from relay_config.yaml
type Config struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Robot   RobotConfig   `yaml:"robot" json:"robot"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level"`
	LogPath string `yaml:"log_path,omitempty" json:"log_path,omitempty"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	HTTPPort int `yaml:"http_port" json:"http_port"`
}

// RobotConfig holds the robot-side TCP connection settings
type RobotConfig struct {
	Port              int `yaml:"port" json:"port"`
	ConnectTimeoutMs  int `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	CommandCooldownMs int `yaml:"command_cooldown_ms" json:"command_cooldown_ms"`
	ReadBufferBytes   int `yaml:"read_buffer_bytes" json:"read_buffer_bytes"`
}

// Defaults applied when fields are omitted from the config file. The robot
// firmware listens on a fixed port and tolerates at most ~10 commands/s.
const (
	DefaultHTTPPort          = 8001
	DefaultRobotPort         = 65432
	DefaultConnectTimeoutMs  = 5000
	DefaultCommandCooldownMs = 100
	DefaultReadBufferBytes   = 256
)

// LoadConfig loads the relay configuration from relay_config.yaml in the
// given directory and applies defaults for omitted fields.
func LoadConfig(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, "relay_config.yaml")

	data, err := ioutil.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file '%s': %w", configPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file '%s': %w", configPath, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ConnectTimeout returns the dial timeout as a duration.
func (c *RobotConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// CommandCooldown returns the minimum command spacing as a duration.
func (c *RobotConfig) CommandCooldown() time.Duration {
	return time.Duration(c.CommandCooldownMs) * time.Millisecond
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = DefaultHTTPPort
	}
	if cfg.Robot.Port == 0 {
		cfg.Robot.Port = DefaultRobotPort
	}
	if cfg.Robot.ConnectTimeoutMs == 0 {
		cfg.Robot.ConnectTimeoutMs = DefaultConnectTimeoutMs
	}
	if cfg.Robot.CommandCooldownMs == 0 {
		cfg.Robot.CommandCooldownMs = DefaultCommandCooldownMs
	}
	if cfg.Robot.ReadBufferBytes == 0 {
		cfg.Robot.ReadBufferBytes = DefaultReadBufferBytes
	}
}

func validate(cfg *Config) error {
	if cfg.Server.HTTPPort < 1 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid field in config: server.http_port must be 1-65535, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Robot.Port < 1 || cfg.Robot.Port > 65535 {
		return fmt.Errorf("invalid field in config: robot.port must be 1-65535, got %d", cfg.Robot.Port)
	}
	if cfg.Robot.ConnectTimeoutMs < 0 {
		return fmt.Errorf("invalid field in config: robot.connect_timeout_ms must not be negative, got %d", cfg.Robot.ConnectTimeoutMs)
	}
	if cfg.Robot.CommandCooldownMs < 0 {
		return fmt.Errorf("invalid field in config: robot.command_cooldown_ms must not be negative, got %d", cfg.Robot.CommandCooldownMs)
	}
	return nil
}
