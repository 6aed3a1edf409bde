package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "config")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, DefaultDatabaseConfig().DSN, cfg.Database.DSN)
	assert.Equal(t, 500, cfg.Search.UpdateBatchSize)
	assert.Equal(t, time.Second, cfg.Search.FlushInterval)
	assert.True(t, cfg.Search.UseIndexer)
	assert.False(t, cfg.NATS.Enabled())
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, filepath.Join(filepath.Dir(dir), "logs"), cfg.Logging.Dir)
}

func TestLoadConfig_EnvVars(t *testing.T) {
	t.Setenv("SEARCHFOLDER_DATABASE_DSN", "postgres://env/db")
	t.Setenv("SEARCHFOLDER_NATS_URL", "nats://env:4222")
	t.Setenv("SEARCHFOLDER_INGEST_ENABLED", "true")
	t.Setenv("SEARCHFOLDER_UPDATE_BATCH_SIZE", "42")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Database.DSN)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.True(t, cfg.NATS.Ingest.Enabled)
	assert.Equal(t, 42, cfg.Search.UpdateBatchSize)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(`
data_dir: /srv/searchfolder
database:
  dsn: "postgres://file/db"
  lock_timeout: 500ms
search:
  update_batch_size: 50
  use_indexer: false
nats:
  notify:
    enabled: true
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.yml"), []byte(`
search:
  rebuild_batch_size: 7
`), 0644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "postgres://file/db", cfg.Database.DSN)
	assert.Equal(t, 500*time.Millisecond, cfg.Database.LockTimeout)
	assert.Equal(t, 50, cfg.Search.UpdateBatchSize)
	assert.Equal(t, 7, cfg.Search.RebuildBatchSize)
	assert.False(t, cfg.Search.UseIndexer)
	assert.True(t, cfg.NATS.Notify.Enabled)
	assert.Equal(t, "SEARCH_NOTIFY", cfg.NATS.Notify.Stream)
	assert.Equal(t, "/srv/searchfolder/logs", cfg.Logging.Dir)
}

func TestLoadConfig_LoadFileErrors(t *testing.T) {
	dir := t.TempDir()

	// A directory where a file is expected triggers the read error path
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config.yml"), 0755))
	// Malformed YAML triggers the parse error path
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.yml"), []byte("not: [valid"), 0644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, DefaultDatabaseConfig().DSN, cfg.Database.DSN)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(`
logging:
  level: loud
`), 0644))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestDatabaseConfig_Validate(t *testing.T) {
	cfg := DefaultDatabaseConfig()
	assert.NoError(t, cfg.Validate())

	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultDatabaseConfig()
	cfg.DSN = ""
	assert.Error(t, cfg.Validate())
}

func TestNATSConfig_Validate(t *testing.T) {
	cfg := DefaultNATSConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Ingest.Enabled = true
	assert.NoError(t, cfg.Validate())

	cfg.URL = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultNATSConfig()
	cfg.Notify = NotifyConfig{Enabled: true}
	assert.Error(t, cfg.Validate())
}

func TestMetricsConfig_Validate(t *testing.T) {
	cfg := DefaultMetricsConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Path = "metrics"
	assert.Error(t, cfg.Validate())

	cfg = MetricsConfig{Enabled: false}
	assert.NoError(t, cfg.Validate())

	cfg = MetricsConfig{Enabled: true}
	assert.Error(t, cfg.Validate())
}
