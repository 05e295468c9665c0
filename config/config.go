// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads the bundle engine's YAML configuration, with
// ${VAR}/${VAR:default} environment substitution and an environment-file
// fallback chain, the way the teacher's own config package does.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full configuration: the engine tunables of
// spec.md §6 plus the ambient knobs a running node needs (listen address,
// storage backend, metrics, logging).
type Config struct {
	Environment string `yaml:"environment" json:"environment"`

	// Engine tunables (spec.md §6 Configuration table).
	CacheBytesBudget int64         `yaml:"cache_bytes_budget" json:"cache_bytes_budget"`
	TTLReaperPeriod  time.Duration `yaml:"ttl_reaper_period" json:"ttl_reaper_period"`
	ExpiredRetention time.Duration `yaml:"expired_retention" json:"expired_retention"`
	DefaultHopLimit  int           `yaml:"default_hop_limit" json:"default_hop_limit"`
	TrustThreshold   float64       `yaml:"trust_threshold" json:"trust_threshold"`
	KeyPath          string        `yaml:"key_path" json:"key_path"`

	// Ambient node knobs.
	ListenAddr  string         `yaml:"listen_addr" json:"listen_addr"`
	PostgresDSN string         `yaml:"postgres_dsn" json:"postgres_dsn"`
	Metrics     MetricsConfig  `yaml:"metrics" json:"metrics"`
	Logging     LoggingConfig  `yaml:"logging" json:"logging"`
	Health      HealthConfig   `yaml:"health" json:"health"`
}

// LoggingConfig controls the internal/logger output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Output string `yaml:"output" json:"output"` // stdout, stderr, file path
}

// MetricsConfig controls the Prometheus /metrics exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig controls the /healthz exposure.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// LoadFromFile loads configuration from a YAML (or JSON) file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	return cfg, nil
}

// SaveToFile saves configuration to path, choosing YAML or JSON by
// extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if len(path) > 5 && path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// setDefaults fills in the documented defaults (spec.md §6) for any field
// left zero after decode.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.CacheBytesBudget == 0 {
		cfg.CacheBytesBudget = 2 << 30 // 2 GiB
	}
	if cfg.TTLReaperPeriod == 0 {
		cfg.TTLReaperPeriod = 60 * time.Second
	}
	if cfg.ExpiredRetention == 0 {
		cfg.ExpiredRetention = 7 * 24 * time.Hour
	}
	if cfg.DefaultHopLimit == 0 {
		cfg.DefaultHopLimit = 20
	}
	if cfg.TrustThreshold == 0 {
		cfg.TrustThreshold = 0.7
	}
	if cfg.KeyPath == "" {
		cfg.KeyPath = ".meshbundle/identity.pem"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":7733"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	// Metrics/Health default to enabled; an untouched sub-block (no addr,
	// no path, enabled left at its bool zero value) is the only signal we
	// have that the operator never mentioned it, since plain bool fields
	// can't tell "absent" from "explicitly false" apart.
	if cfg.Metrics.Addr == "" && cfg.Metrics.Path == "" && !cfg.Metrics.Enabled {
		cfg.Metrics.Enabled = true
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9733"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Addr == "" && cfg.Health.Path == "" && !cfg.Health.Enabled {
		cfg.Health.Enabled = true
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":9734"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/healthz"
	}
}
