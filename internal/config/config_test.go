package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp moves the test into an empty dir so no stray config.yaml from
// the working tree is picked up.
func chdirTemp(t *testing.T) {
	t.Helper()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "tests", cfg.Warehouse.TablePrefix)
	assert.Equal(t, 2000, cfg.Warehouse.MaxRowsPerPage)
	assert.Equal(t, 4, cfg.Warehouse.FetchRetries)
	assert.Equal(t, 10*time.Minute, cfg.Warehouse.CursorTimeout())
	assert.Equal(t, 100, cfg.Aggregate.MinSamples)
	assert.Equal(t, 48*time.Hour, cfg.Locales.RefreshInterval())
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval())
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
}

func TestLoad_ConfigFile(t *testing.T) {
	chdirTemp(t)

	yaml := `
warehouse:
  table_prefix: ndt
  max_rows_per_page: 500
aggregate:
  min_samples: 50
  splits:
    - client_country < 'm'
    - client_country >= 'm'
worker:
  concurrency: 8
`
	require.NoError(t, os.WriteFile("config.yaml", []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ndt", cfg.Warehouse.TablePrefix)
	assert.Equal(t, 500, cfg.Warehouse.MaxRowsPerPage)
	assert.Equal(t, 50, cfg.Aggregate.MinSamples)
	assert.Len(t, cfg.Aggregate.Splits, 2)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PERFATLAS_WORKER_CONCURRENCY", "16")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "chatty", Format: "json"})
	assert.Error(t, err)
}

func TestInitLogger_Console(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	assert.NoError(t, err)
}
