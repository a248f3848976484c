/*
Copyright 2024 Fleetforge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the engine's TOML or YAML config file and merges
// it with environment variables under the precedence rule in spec.md
// §6: builtin defaults -> system config -> user config -> project
// config -> env vars -> CLI flags (CLI flags are applied by the caller,
// either through ApplyOverrides or, as cmd/corectl does, by merging its
// own flag values field by field).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Defaults mirrors the [defaults] config section.
type Defaults struct {
	Inventory string `toml:"inventory,omitempty" yaml:"inventory,omitempty"`
	Forks     int    `toml:"forks,omitempty" yaml:"forks,omitempty"`
	Timeout   int    `toml:"timeout,omitempty" yaml:"timeout,omitempty"`
	Strategy  string `toml:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// SSH mirrors the [ssh] config section.
type SSH struct {
	KeyFile        string `toml:"key_file,omitempty" yaml:"key_file,omitempty"`
	User           string `toml:"user,omitempty" yaml:"user,omitempty"`
	Port           int    `toml:"port,omitempty" yaml:"port,omitempty"`
	ConnectTimeout int    `toml:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
}

// Connection mirrors the [connection] config section (pool tuning).
type Connection struct {
	MaxPerHost         int `toml:"max_per_host,omitempty" yaml:"max_per_host,omitempty"`
	MinPerHost         int `toml:"min_per_host,omitempty" yaml:"min_per_host,omitempty"`
	MaxTotal           int `toml:"max_total,omitempty" yaml:"max_total,omitempty"`
	IdleTimeoutSec     int `toml:"idle_timeout_sec,omitempty" yaml:"idle_timeout_sec,omitempty"`
	HealthCheckSec     int `toml:"health_check_interval_sec,omitempty" yaml:"health_check_interval_sec,omitempty"`
	HealthCheckTimeout int `toml:"health_check_timeout_sec,omitempty" yaml:"health_check_timeout_sec,omitempty"`
}

// PrivilegeEscalation mirrors the [privilege_escalation] config section.
type PrivilegeEscalation struct {
	Method string `toml:"method,omitempty" yaml:"method,omitempty"`
	User   string `toml:"user,omitempty" yaml:"user,omitempty"`
}

// Vault mirrors the [vault] config section.
type Vault struct {
	PasswordFile string `toml:"password_file,omitempty" yaml:"password_file,omitempty"`
}

// Config is the fully merged configuration consumed by the engine.
type Config struct {
	Defaults             Defaults             `toml:"defaults" yaml:"defaults"`
	SSH                  SSH                  `toml:"ssh" yaml:"ssh"`
	Connection           Connection           `toml:"connection" yaml:"connection"`
	PrivilegeEscalation  PrivilegeEscalation  `toml:"privilege_escalation" yaml:"privilege_escalation"`
	Vault                Vault                `toml:"vault" yaml:"vault"`
}

// Builtin returns the hard-coded baseline before any file or env layer
// is applied.
func Builtin() Config {
	return Config{
		Defaults: Defaults{
			Forks:    5,
			Timeout:  10,
			Strategy: "linear",
		},
		Connection: Connection{
			MaxPerHost:         10,
			MinPerHost:         1,
			MaxTotal:           100,
			IdleTimeoutSec:     300,
			HealthCheckSec:     30,
			HealthCheckTimeout: 5,
		},
		PrivilegeEscalation: PrivilegeEscalation{
			Method: "sudo",
			User:   "root",
		},
	}
}

// Load reads and merges config files in low-to-high precedence order:
// systemPath, userPath, projectPath (any may be empty / missing, which
// is not an error), then applies environment variables named in
// spec.md §6.
func Load(envPrefix, systemPath, userPath, projectPath string) (Config, error) {
	cfg := Builtin()

	for _, path := range []string{systemPath, userPath, projectPath} {
		if path == "" {
			continue
		}
		if err := mergeFile(&cfg, path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cfg, trace.Wrap(err, "loading config %q", path)
		}
	}

	applyEnv(&cfg, envPrefix)
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return trace.Wrap(err, "parsing TOML config")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return trace.Wrap(err, "parsing YAML config")
		}
	default:
		// Sniff by content: a file starting with '[' is almost certainly
		// TOML; otherwise assume YAML.
		trimmed := strings.TrimLeft(string(data), " \t\r\n")
		if strings.HasPrefix(trimmed, "[") {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return trace.Wrap(err, "parsing TOML config")
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return trace.Wrap(err, "parsing YAML config")
		}
	}
	return nil
}

// applyEnv reads {PREFIX}_INVENTORY, {PREFIX}_FORKS, {PREFIX}_TIMEOUT,
// {PREFIX}_STRATEGY, {PREFIX}_SSH_KEY as named in spec.md §6.
func applyEnv(cfg *Config, prefix string) {
	if v := os.Getenv(prefix + "_INVENTORY"); v != "" {
		cfg.Defaults.Inventory = v
	}
	if v := os.Getenv(prefix + "_FORKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.Forks = n
		}
	}
	if v := os.Getenv(prefix + "_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Defaults.Timeout = n
		}
	}
	if v := os.Getenv(prefix + "_STRATEGY"); v != "" {
		cfg.Defaults.Strategy = v
	}
	if v := os.Getenv(prefix + "_SSH_KEY"); v != "" {
		cfg.SSH.KeyFile = v
	}
}

// ApplyOverrides merges CLI-flag-sourced values, the highest-precedence
// layer, onto cfg. Only the [defaults] fields and ssh.key_file are
// merged; zero values in overrides leave cfg unchanged.
func ApplyOverrides(cfg *Config, overrides Config) {
	if overrides.Defaults.Inventory != "" {
		cfg.Defaults.Inventory = overrides.Defaults.Inventory
	}
	if overrides.Defaults.Forks != 0 {
		cfg.Defaults.Forks = overrides.Defaults.Forks
	}
	if overrides.Defaults.Timeout != 0 {
		cfg.Defaults.Timeout = overrides.Defaults.Timeout
	}
	if overrides.Defaults.Strategy != "" {
		cfg.Defaults.Strategy = overrides.Defaults.Strategy
	}
	if overrides.SSH.KeyFile != "" {
		cfg.SSH.KeyFile = overrides.SSH.KeyFile
	}
}
