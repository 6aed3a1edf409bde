package config

import (
	"fmt"
	"os"
	"strings"
)

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr" validate:"required_if=Enabled true"`
	Path       string `yaml:"path" validate:"required_if=Enabled true"`
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:    true,
		ListenAddr: ":9090",
		Path:       "/metrics",
	}
}

func (c *MetricsConfig) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9090"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

func (c *MetricsConfig) ApplyEnvOverrides() {
	if v := os.Getenv("SEARCHFOLDER_METRICS_ADDR"); v != "" {
		c.ListenAddr = v
	}
}

func (c *MetricsConfig) ResolvePaths(configDir, dataDir string) {}

func (c *MetricsConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("invalid metrics config: path %q must start with /", c.Path)
	}
	return nil
}
