package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Trace     TraceConfig     `yaml:"trace"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type TraceConfig struct {
	// StepDelay paces auto-advanced statements while running.
	StepDelay time.Duration `yaml:"step_delay"`
	// Shell is the interpreter used to run traced scripts.
	Shell string `yaml:"shell"`
}

type WebSocketConfig struct {
	MaxSessions int           `yaml:"max_sessions"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		Trace: TraceConfig{
			StepDelay: 0,
			Shell:     "bash",
		},
		WebSocket: WebSocketConfig{
			MaxSessions: 100,
			IdleTimeout: 1 * time.Hour,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load config from yml
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}
