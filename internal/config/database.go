package config

import (
	"fmt"
	"os"
	"time"
)

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`

	// LockTimeout bounds row-lock waits; expiry is retried as a transient
	// conflict. Zero leaves the server setting alone.
	LockTimeout time.Duration `yaml:"lock_timeout" validate:"gte=0"`

	// EnsureSchema creates the search-folder tables at startup.
	EnsureSchema bool `yaml:"ensure_schema"`
}

// DefaultDatabaseConfig returns default database configuration
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		DSN:             "postgres://localhost:5432/searchfolder?sslmode=disable",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		LockTimeout:     2 * time.Second,
		EnsureSchema:    true,
	}
}

func (c *DatabaseConfig) ApplyDefaults() {
	defaults := DefaultDatabaseConfig()
	if c.DSN == "" {
		c.DSN = defaults.DSN
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = defaults.MaxOpenConns
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = defaults.MaxIdleConns
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (c *DatabaseConfig) ApplyEnvOverrides() {
	if v := os.Getenv("SEARCHFOLDER_DATABASE_DSN"); v != "" {
		c.DSN = v
	}
	if v := os.Getenv("SEARCHFOLDER_DATABASE_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.LockTimeout = d
		}
	}
}

func (c *DatabaseConfig) ResolvePaths(configDir, dataDir string) {}

func (c *DatabaseConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid database config: %w", err)
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("invalid database config: max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	return nil
}
