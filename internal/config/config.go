// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the YAML configuration for an ablauf embedding:
// where instance/shard state lives and how the process logs. It mirrors
// the teacher's internal/config field-tag and defaulting conventions,
// narrowed to what spec.md's engine actually needs — no provider maps,
// tiers, or workspaces.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a loaded Config fails validation.
var ErrInvalid = errors.New("config: invalid configuration")

// LogConfig configures log/slog's handler.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default "info".
	Level string `yaml:"level,omitempty"`
	// Format is "text" or "json". Default "text".
	Format string `yaml:"format,omitempty"`
}

// EngineConfig configures an ablauf.Engine.
type EngineConfig struct {
	// DataDir is the root directory instance and shard SQLite files are
	// written under. Default "./data".
	DataDir string `yaml:"data_dir,omitempty"`
	// ShardCount is the number of index shards per workflow type.
	// Default 16.
	ShardCount int `yaml:"shard_count,omitempty"`
}

// Config is the complete ablauf process configuration.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Engine EngineConfig `yaml:"engine"`
}

// Default returns a Config with every field set to its documented
// default.
func Default() Config {
	return Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{DataDir: "./data", ShardCount: 16},
	}
}

// Load reads and parses the YAML file at path, filling in defaults for
// anything it omits. A missing file is not an error — Load returns
// Default() unchanged, the same "config is optional" behavior the
// teacher's loader offers for a fresh install.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field-level invariants Load can't enforce through
// YAML shape alone.
func (c Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q must be one of debug/info/warn/error", ErrInvalid, c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q must be text or json", ErrInvalid, c.Log.Format)
	}
	if c.Engine.DataDir == "" {
		return fmt.Errorf("%w: engine.data_dir must not be empty", ErrInvalid)
	}
	if c.Engine.ShardCount <= 0 {
		return fmt.Errorf("%w: engine.shard_count must be positive", ErrInvalid)
	}
	return nil
}
