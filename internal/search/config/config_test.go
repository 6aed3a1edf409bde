package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 500, cfg.UpdateBatchSize)
	assert.Equal(t, time.Second, cfg.FlushInterval)
	assert.Equal(t, 20, cfg.RebuildBatchSize)
	assert.Equal(t, 4, cfg.TxAttempts)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ApplyDefaults(t *testing.T) {
	tests := []struct {
		name    string
		initial Config
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "empty config gets defaults",
			initial: Config{},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 500, cfg.UpdateBatchSize)
				assert.Equal(t, time.Second, cfg.FlushInterval)
				assert.Equal(t, 20, cfg.RebuildBatchSize)
				assert.Equal(t, 4, cfg.TxAttempts)
				assert.Equal(t, 4, cfg.RestartConcurrency)
				assert.Equal(t, 0, cfg.RebuildQPSLimit)
			},
		},
		{
			name: "custom values preserved",
			initial: Config{
				UpdateBatchSize:  10,
				FlushInterval:    5 * time.Millisecond,
				RebuildBatchSize: 3,
				TxAttempts:       2,
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 10, cfg.UpdateBatchSize)
				assert.Equal(t, 5*time.Millisecond, cfg.FlushInterval)
				assert.Equal(t, 3, cfg.RebuildBatchSize)
				assert.Equal(t, 2, cfg.TxAttempts)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.initial
			cfg.ApplyDefaults()
			tt.check(t, &cfg)
		})
	}
}

func TestConfig_ApplyEnvOverrides(t *testing.T) {
	t.Setenv("SEARCHFOLDER_UPDATE_BATCH_SIZE", "42")
	t.Setenv("SEARCHFOLDER_FLUSH_INTERVAL", "250ms")
	t.Setenv("SEARCHFOLDER_TX_ATTEMPTS", "not-a-number")
	t.Setenv("SEARCHFOLDER_USE_INDEXER", "false")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, 42, cfg.UpdateBatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, 4, cfg.TxAttempts)
	assert.False(t, cfg.UseIndexer)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.RebuildQPSLimit = -1
	assert.Error(t, cfg.Validate())
}
