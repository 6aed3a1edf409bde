package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// LoggingConfig configures the console output and the rotating files
// written under Dir.
type LoggingConfig struct {
	Level    string         `yaml:"level" validate:"oneof=debug info warn error"`
	Format   string         `yaml:"format" validate:"oneof=text json"`
	Dir      string         `yaml:"dir" validate:"required"`
	Rotation RotationConfig `yaml:"rotation"`
	Console  OutputConfig   `yaml:"console" validate:"-"`
	File     OutputConfig   `yaml:"file" validate:"-"`
}

// RotationConfig is passed to lumberjack for every log file.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size" validate:"gte=0"`    // MB
	MaxBackups int  `yaml:"max_backups" validate:"gte=0"` // files
	MaxAge     int  `yaml:"max_age" validate:"gte=0"`     // days
	Compress   bool `yaml:"compress"`
}

// OutputConfig is one log destination. Empty Level and Format inherit
// the top-level values.
type OutputConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format  string `yaml:"format" validate:"omitempty,oneof=text json"`
}

func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Dir:    "logs",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Console: OutputConfig{Enabled: true, Level: "info", Format: "text"},
		File:    OutputConfig{Enabled: true, Level: "info", Format: "text"},
	}
}

// ApplyDefaults fills empty fields. Compress stays as given: a zero bool
// cannot be told apart from an explicit false.
func (c *LoggingConfig) ApplyDefaults() {
	defaults := DefaultLoggingConfig()
	if c.Level == "" {
		c.Level = defaults.Level
	}
	if c.Format == "" {
		c.Format = defaults.Format
	}
	if c.Dir == "" {
		c.Dir = defaults.Dir
	}
	if c.Rotation.MaxSize == 0 {
		c.Rotation.MaxSize = defaults.Rotation.MaxSize
	}
	if c.Rotation.MaxBackups == 0 {
		c.Rotation.MaxBackups = defaults.Rotation.MaxBackups
	}
	if c.Rotation.MaxAge == 0 {
		c.Rotation.MaxAge = defaults.Rotation.MaxAge
	}
	c.Console.inherit(c.Level, c.Format)
	c.File.inherit(c.Level, c.Format)
}

// inherit enables an output left entirely unset and fills its level and
// format from the top-level values.
func (o *OutputConfig) inherit(level, format string) {
	if *o == (OutputConfig{}) {
		o.Enabled = true
	}
	if o.Level == "" {
		o.Level = level
	}
	if o.Format == "" {
		o.Format = format
	}
}

// ApplyEnvOverrides applies SEARCHFOLDER_LOG_* overrides. A level or
// format override applies to every output.
func (c *LoggingConfig) ApplyEnvOverrides() {
	if v := os.Getenv("SEARCHFOLDER_LOG_LEVEL"); v != "" {
		c.Level, c.Console.Level, c.File.Level = v, v, v
	}
	if v := os.Getenv("SEARCHFOLDER_LOG_FORMAT"); v != "" {
		c.Format, c.Console.Format, c.File.Format = v, v, v
	}
	if v := os.Getenv("SEARCHFOLDER_LOG_DIR"); v != "" {
		c.Dir = v
	}
}

// ResolvePaths places a relative log directory under dataDir.
func (c *LoggingConfig) ResolvePaths(configDir, dataDir string) {
	if c.Dir != "" && !filepath.IsAbs(c.Dir) {
		c.Dir = filepath.Clean(filepath.Join(dataDir, c.Dir))
	}
}

// Validate checks the top-level settings and every enabled output.
func (c *LoggingConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	outputs := []struct {
		name string
		cfg  *OutputConfig
	}{
		{"console", &c.Console},
		{"file", &c.File},
	}
	for _, o := range outputs {
		if !o.cfg.Enabled {
			continue
		}
		if err := validate.Struct(o.cfg); err != nil {
			return fmt.Errorf("invalid %s log output: %w", o.name, err)
		}
	}
	return nil
}
