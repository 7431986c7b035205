package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// serviceConfig is the poold daemon configuration. Values resolve from the
// YAML file first, then environment overrides.
type serviceConfig struct {
	ListenAddress      string  `yaml:"listen_address"`
	Env                string  `yaml:"env"`
	LogLevel           string  `yaml:"log_level"`
	LogFile            string  `yaml:"log_file"`
	AuthToken          string  `yaml:"auth_token"`
	ProtocolConfigPath string  `yaml:"protocol_config"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`
	Burst              int     `yaml:"burst"`
}

func loadServiceConfig(path string) (*serviceConfig, error) {
	cfg := &serviceConfig{}
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read service config: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse service config: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	cfg.applyDefaults()
	return cfg, nil
}

func applyEnvOverrides(cfg *serviceConfig) {
	if v := strings.TrimSpace(os.Getenv("POOLD_LISTEN_ADDRESS")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("POOLD_ENV")); v != "" {
		cfg.Env = v
	}
	if v := strings.TrimSpace(os.Getenv("POOLD_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("POOLD_LOG_FILE")); v != "" {
		cfg.LogFile = v
	}
	if v := strings.TrimSpace(os.Getenv("POOLD_AUTH_TOKEN")); v != "" {
		cfg.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("POOLD_PROTOCOL_CONFIG")); v != "" {
		cfg.ProtocolConfigPath = v
	}
	if v := strings.TrimSpace(os.Getenv("POOLD_REQUESTS_PER_SECOND")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			cfg.RequestsPerSecond = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("POOLD_BURST")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Burst = parsed
		}
	}
}

func (c *serviceConfig) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8544"
	}
	if strings.TrimSpace(c.ProtocolConfigPath) == "" {
		c.ProtocolConfigPath = "protocol.toml"
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 25
	}
	if c.Burst <= 0 {
		c.Burst = 50
	}
}
