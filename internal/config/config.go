package config

import (
	"log"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	search "github.com/syntrixbase/searchfolder/internal/search/config"
)

var validate = validator.New()

// Config holds the application configuration
type Config struct {
	// DataDir is the base of runtime data paths. Defaults to the parent
	// of the config directory.
	DataDir string `yaml:"data_dir"`

	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Search   search.Config  `yaml:"search"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LoadConfig loads configuration from files and environment variables
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults -> ApplyEnvOverrides -> ResolvePaths -> Validate
func LoadConfig(configDir string) (*Config, error) {
	// 1. Start with default values (so YAML can override them, including bool fields)
	cfg := &Config{
		Logging:  DefaultLoggingConfig(),
		Database: DefaultDatabaseConfig(),
		NATS:     DefaultNATSConfig(),
		Search:   search.DefaultConfig(),
		Metrics:  DefaultMetricsConfig(),
	}

	// 2. Load config.yml (overrides defaults)
	loadFile(filepath.Join(configDir, "config.yml"), cfg)

	// 3. Load config.local.yml (overrides config.yml)
	loadFile(filepath.Join(configDir, "config.local.yml"), cfg)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = filepath.Dir(configDir)
	}

	// 4. Apply configuration lifecycle to every section
	if err := ApplyServiceConfigs(configDir, dataDir,
		&cfg.Logging,
		&cfg.Database,
		&cfg.NATS,
		&cfg.Search,
		&cfg.Metrics,
	); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return // File doesn't exist, skip
		}
		log.Printf("Warning: Error reading %s: %v", filename, err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("Warning: Error parsing %s: %v", filename, err)
	}
}
