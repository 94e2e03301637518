package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the bridge daemon's YAML configuration file. Every field has a
// usable default, so the file is optional; command-line flags override
// whatever the file says.
type Config struct {
	Carabiner struct {
		Port     int  `yaml:"port"`      // TCP port of the Carabiner daemon
		Latency  int  `yaml:"latency"`   // milliseconds of beat-packet delay to compensate
		BarAlign bool `yaml:"bar_align"` // align whole bars instead of individual beats
	} `yaml:"carabiner"`

	DB string `yaml:"db"` // SQLite database path

	API struct {
		Listen string `yaml:"listen"` // REST/websocket listen address; empty disables
	} `yaml:"api"`

	Metrics struct {
		IntervalSeconds int `yaml:"interval_seconds"` // between [metrics] log lines; 0 disables
	} `yaml:"metrics"`

	Stub struct {
		Tempo float64 `yaml:"tempo"` // tempo of the built-in stand-in player
	} `yaml:"stub"`
}

// DefaultConfig returns the configuration used when no file and no flags
// are given.
func DefaultConfig() *Config {
	var cfg Config
	cfg.Carabiner.Port = 17000
	cfg.Carabiner.Latency = 1
	cfg.DB = "beat-carabiner.db"
	cfg.API.Listen = ":17001"
	cfg.Metrics.IntervalSeconds = 30
	cfg.Stub.Tempo = 120
	return &cfg
}

// LoadConfig reads path over the defaults. A missing file is not an error
// unless the operator named it explicitly.
func LoadConfig(path string, explicit bool) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
