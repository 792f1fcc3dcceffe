package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the recompilation engine tunables.
type Config struct {
	// HitThreshold is the number of trace hits after which an uncompiled
	// block is compiled. Default: 1000.
	HitThreshold uint32 `json:"hit_threshold" toml:"hit_threshold"`

	// IdleWaitMs bounds how long the worker sleeps when there is nothing
	// to do. Default: 250.
	IdleWaitMs uint32 `json:"idle_wait_ms" toml:"idle_wait_ms"`

	// OrdinalCapacity is the size of the executable lookup table.
	// Allocating more ordinals than this is fatal. Default: 0x20000.
	OrdinalCapacity uint32 `json:"ordinal_capacity" toml:"ordinal_capacity"`

	// SweepIntervalMs is the per-thread resolution cache sweep period used
	// by dispatchers. Default: 10000.
	SweepIntervalMs uint32 `json:"sweep_interval_ms" toml:"sweep_interval_ms"`

	// TraceCacheSets and TraceCacheWays size the processed-trace cache.
	TraceCacheSets int `json:"trace_cache_sets" toml:"trace_cache_sets"`
	TraceCacheWays int `json:"trace_cache_ways" toml:"trace_cache_ways"`

	// LogPath is where the diagnostic log is written. Empty disables it.
	LogPath string `json:"log_path" toml:"log_path"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		HitThreshold:    1000,
		IdleWaitMs:      250,
		OrdinalCapacity: 0x20000,
		SweepIntervalMs: 10000,
		TraceCacheSets:  1024,
		TraceCacheWays:  8,
	}
}

// IdleWait returns IdleWaitMs as a duration.
func (c *Config) IdleWait() time.Duration {
	return time.Duration(c.IdleWaitMs) * time.Millisecond
}

// SweepInterval returns SweepIntervalMs as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// LoadConfig loads a Config from a TOML (.toml) or JSON file. Missing
// fields keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine config file: %w", err)
	}

	config := DefaultConfig()
	if filepath.Ext(path) == ".toml" {
		err = toml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse engine config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig writes the Config to path, as TOML when the extension is
// .toml and as JSON otherwise.
func (c *Config) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)
	if filepath.Ext(path) == ".toml" {
		data, err = toml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to serialize engine config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write engine config file: %w", err)
	}

	return nil
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	if c.HitThreshold == 0 {
		return fmt.Errorf("hit_threshold must be > 0")
	}
	if c.IdleWaitMs == 0 {
		return fmt.Errorf("idle_wait_ms must be > 0")
	}
	if c.OrdinalCapacity == 0 || c.OrdinalCapacity == NoOrdinal {
		return fmt.Errorf("ordinal_capacity must be in [1, 0xFFFFFFFE]")
	}
	if c.SweepIntervalMs == 0 {
		return fmt.Errorf("sweep_interval_ms must be > 0")
	}
	if c.TraceCacheSets <= 0 || c.TraceCacheWays <= 0 {
		return fmt.Errorf("trace cache must have at least one set and one way")
	}
	return nil
}
