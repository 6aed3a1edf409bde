// Package config provides configuration for the search-folder engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the search-folder engine configuration.
type Config struct {
	// UpdateBatchSize is the max number of change events popped per
	// Update Processor pass. Default: 500
	UpdateBatchSize int `yaml:"update_batch_size" validate:"gt=0"`

	// FlushInterval is how often queued events are processed even if
	// fewer than UpdateBatchSize are waiting. Default: 1s
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`

	// RebuildBatchSize is the number of child messages streamed per scan
	// batch during a rebuild. Default: 20
	RebuildBatchSize int `yaml:"rebuild_batch_size" validate:"gt=0"`

	// RebuildQPSLimit caps result rows written per second by one rebuild.
	// Zero disables throttling. Default: 2000
	RebuildQPSLimit int `yaml:"rebuild_qps_limit" validate:"gte=0"`

	// TxAttempts bounds retries of a transaction hitting transient
	// conflicts. Default: 4
	TxAttempts int `yaml:"tx_attempts" validate:"gt=0,lte=32"`

	// RetryBackoff is the base delay between attempts; attempt n waits n*RetryBackoff.
	// Default: 10ms
	RetryBackoff time.Duration `yaml:"retry_backoff" validate:"gte=0"`

	// RestartConcurrency bounds parallel rebuilds in RestartAll. Default: 4
	RestartConcurrency int `yaml:"restart_concurrency" validate:"gt=0"`

	// UseIndexer enables delegation of rebuilds to the external indexer.
	UseIndexer bool `yaml:"use_indexer"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		UpdateBatchSize:    500,
		FlushInterval:      time.Second,
		RebuildBatchSize:   20,
		RebuildQPSLimit:    2000,
		TxAttempts:         4,
		RetryBackoff:       10 * time.Millisecond,
		RestartConcurrency: 4,
		UseIndexer:         true,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.UpdateBatchSize == 0 {
		c.UpdateBatchSize = defaults.UpdateBatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.RebuildBatchSize == 0 {
		c.RebuildBatchSize = defaults.RebuildBatchSize
	}
	if c.TxAttempts == 0 {
		c.TxAttempts = defaults.TxAttempts
	}
	if c.RestartConcurrency == 0 {
		c.RestartConcurrency = defaults.RestartConcurrency
	}
}

// ApplyEnvOverrides applies SEARCHFOLDER_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SEARCHFOLDER_UPDATE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.UpdateBatchSize = n
		}
	}
	if v := os.Getenv("SEARCHFOLDER_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.FlushInterval = d
		}
	}
	if v := os.Getenv("SEARCHFOLDER_TX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TxAttempts = n
		}
	}
	if v := os.Getenv("SEARCHFOLDER_USE_INDEXER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.UseIndexer = b
		}
	}
}

// ResolvePaths is a no-op: the engine has no path settings.
func (c *Config) ResolvePaths(configDir, dataDir string) {}

var validate = validator.New()

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid search config: %w", err)
	}
	return nil
}
