package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// mockServiceConfig implements ServiceConfig for testing ApplyServiceConfigs
type mockServiceConfig struct {
	defaultsApplied   bool
	envOverridesApply bool
	pathsResolved     bool
	validated         bool
	configDir         string
	dataDir           string
	validateErr       error
}

func (m *mockServiceConfig) ApplyDefaults() {
	m.defaultsApplied = true
}

func (m *mockServiceConfig) ApplyEnvOverrides() {
	m.envOverridesApply = true
}

func (m *mockServiceConfig) ResolvePaths(configDir, dataDir string) {
	m.pathsResolved = true
	m.configDir = configDir
	m.dataDir = dataDir
}

func (m *mockServiceConfig) Validate() error {
	m.validated = true
	return m.validateErr
}

func TestApplyServiceConfigs_AllMethodsCalled(t *testing.T) {
	cfg1 := &mockServiceConfig{}
	cfg2 := &mockServiceConfig{}

	err := ApplyServiceConfigs("config", "data", cfg1, cfg2)

	assert.NoError(t, err)
	for _, cfg := range []*mockServiceConfig{cfg1, cfg2} {
		assert.True(t, cfg.defaultsApplied)
		assert.True(t, cfg.envOverridesApply)
		assert.True(t, cfg.pathsResolved)
		assert.True(t, cfg.validated)
		assert.Equal(t, "config", cfg.configDir)
		assert.Equal(t, "data", cfg.dataDir)
	}
}

func TestApplyServiceConfigs_ValidationError(t *testing.T) {
	cfg1 := &mockServiceConfig{validateErr: assert.AnError}
	cfg2 := &mockServiceConfig{}

	err := ApplyServiceConfigs("config", "data", cfg1, cfg2)

	assert.Equal(t, assert.AnError, err)
	assert.False(t, cfg2.defaultsApplied)
}

func TestApplyServiceConfigs_EmptyList(t *testing.T) {
	assert.NoError(t, ApplyServiceConfigs("config", "data"))
}
