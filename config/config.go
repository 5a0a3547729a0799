// Package config loads the broker's configuration object: read a YAML
// file, unmarshal into a struct, backfill defaults for anything the file
// left zero, then reject impossible values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the broker's configuration object.
type Config struct {
	NumWorkers         int  `yaml:"num_workers"`
	EnableBatching     bool `yaml:"enable_batching"`
	BatchSize          int  `yaml:"batch_size"`
	BatchTimeoutMS     int  `yaml:"batch_timeout_ms"`
	MaxQueueSize       int  `yaml:"max_queue_size"`
	RetryMaxAttempts   int  `yaml:"retry_max_attempts"`
	DeliveryParallel   bool `yaml:"delivery_parallelism"`
	HeartbeatStaleMS   int  `yaml:"heartbeat_stale_ms"`
	ShutdownGraceMS    int  `yaml:"shutdown_grace_ms"`
	DeadLetterCapacity int  `yaml:"dead_letter_capacity"`
}

// BatchTimeout returns BatchTimeoutMS as a time.Duration.
func (c Config) BatchTimeout() time.Duration { return time.Duration(c.BatchTimeoutMS) * time.Millisecond }

// HeartbeatStale returns HeartbeatStaleMS as a time.Duration.
func (c Config) HeartbeatStale() time.Duration { return time.Duration(c.HeartbeatStaleMS) * time.Millisecond }

// ShutdownGrace returns ShutdownGraceMS as a time.Duration.
func (c Config) ShutdownGrace() time.Duration { return time.Duration(c.ShutdownGraceMS) * time.Millisecond }

// Default returns the configuration a broker starts with if nothing
// overrides it.
func Default() Config {
	return Config{
		NumWorkers:         3,
		EnableBatching:     false,
		BatchSize:          10,
		BatchTimeoutMS:     50,
		MaxQueueSize:       5000,
		RetryMaxAttempts:   3,
		DeliveryParallel:   false,
		HeartbeatStaleMS:   10000,
		ShutdownGraceMS:    5000,
		DeadLetterCapacity: 1000,
	}
}

// Load reads filename, applies it on top of Default, and validates the
// result.
func Load(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse file: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults backfills zero-valued fields a partially specified YAML
// document left unset.
func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = d.NumWorkers
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.BatchTimeoutMS == 0 {
		cfg.BatchTimeoutMS = d.BatchTimeoutMS
	}
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = d.MaxQueueSize
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = d.RetryMaxAttempts
	}
	if cfg.HeartbeatStaleMS == 0 {
		cfg.HeartbeatStaleMS = d.HeartbeatStaleMS
	}
	if cfg.ShutdownGraceMS == 0 {
		cfg.ShutdownGraceMS = d.ShutdownGraceMS
	}
	if cfg.DeadLetterCapacity == 0 {
		cfg.DeadLetterCapacity = d.DeadLetterCapacity
	}
}

func validate(cfg Config) error {
	if cfg.NumWorkers < 1 {
		return fmt.Errorf("config: num_workers must be >= 1, got %d", cfg.NumWorkers)
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", cfg.BatchSize)
	}
	if cfg.MaxQueueSize < 1 {
		return fmt.Errorf("config: max_queue_size must be >= 1, got %d", cfg.MaxQueueSize)
	}
	if cfg.RetryMaxAttempts < 0 {
		return fmt.Errorf("config: retry_max_attempts cannot be negative, got %d", cfg.RetryMaxAttempts)
	}
	return nil
}
