package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// NATSConfig holds the broker connection and the two streams the engine
// uses: incoming object changes and outgoing notifications.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	ClientName     string        `yaml:"client_name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`

	Ingest IngestConfig `yaml:"ingest"`
	Notify NotifyConfig `yaml:"notify"`
}

// IngestConfig configures consumption of object change events.
type IngestConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Stream   string `yaml:"stream"`
	Consumer string `yaml:"consumer"`
}

// NotifyConfig configures publication of row and counter notifications.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Stream  string `yaml:"stream"`
}

// Enabled reports whether any component needs a NATS connection.
func (c *NATSConfig) Enabled() bool {
	return c.Ingest.Enabled || c.Notify.Enabled
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            "nats://localhost:4222",
		ClientName:     "searchfolderd",
		ConnectTimeout: 5 * time.Second,
		Ingest: IngestConfig{
			Stream:   "OBJECT_CHANGES",
			Consumer: "searchfolderd",
		},
		Notify: NotifyConfig{
			Stream: "SEARCH_NOTIFY",
		},
	}
}

func (c *NATSConfig) ApplyDefaults() {
	defaults := DefaultNATSConfig()
	if c.URL == "" {
		c.URL = defaults.URL
	}
	if c.ClientName == "" {
		c.ClientName = defaults.ClientName
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.ConnectTimeout
	}
	if c.Ingest.Stream == "" {
		c.Ingest.Stream = defaults.Ingest.Stream
	}
	if c.Ingest.Consumer == "" {
		c.Ingest.Consumer = defaults.Ingest.Consumer
	}
	if c.Notify.Stream == "" {
		c.Notify.Stream = defaults.Notify.Stream
	}
}

func (c *NATSConfig) ApplyEnvOverrides() {
	if v := os.Getenv("SEARCHFOLDER_NATS_URL"); v != "" {
		c.URL = v
	}
	if v := os.Getenv("SEARCHFOLDER_INGEST_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Ingest.Enabled = b
		}
	}
	if v := os.Getenv("SEARCHFOLDER_NOTIFY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Notify.Enabled = b
		}
	}
}

func (c *NATSConfig) ResolvePaths(configDir, dataDir string) {}

func (c *NATSConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid nats config: %w", err)
	}
	if !c.Enabled() {
		return nil
	}
	if c.URL == "" {
		return errors.New("invalid nats config: url is required when ingest or notify is enabled")
	}
	if c.Ingest.Enabled && (c.Ingest.Stream == "" || c.Ingest.Consumer == "") {
		return errors.New("invalid nats config: ingest needs a stream and a consumer name")
	}
	if c.Notify.Enabled && c.Notify.Stream == "" {
		return errors.New("invalid nats config: notify needs a stream")
	}
	return nil
}
