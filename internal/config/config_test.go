package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmerrifield20/nexusledger/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)

	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, config.BackendFile, cfg.Storage.Backend)
	assert.Equal(t, uint64(2), cfg.Epoch.LookbackWindow)
	assert.Equal(t, uint64(1), cfg.Publish.Every)
	assert.True(t, cfg.MMR.Enabled)
	assert.Equal(t, time.Minute, cfg.Health.CheckInterval)
	assert.Equal(t, 1, cfg.Health.FailThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Server.RateLimitIdleTTL)
	assert.Equal(t, 5*time.Minute, cfg.Server.RateLimitSweep)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NEXUSLEDGER_STORAGE_BACKEND", "postgres")
	t.Setenv("NEXUSLEDGER_EPOCH_MAX_FUTURE_EPOCHS", "3")
	t.Setenv("NEXUSLEDGER_MMR_ENABLED", "false")

	cfg, err := config.FromViper(config.New())
	require.NoError(t, err)
	assert.Equal(t, config.BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, uint64(3), cfg.Epoch.MaxFutureEpochs)
	assert.False(t, cfg.MMR.Enabled)
}

func TestReadIn_file(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("server:\n  port: 9191\nstorage:\n  dir: /var/lib/ledger\npublisher:\n  id: node-7\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ledger.yaml"), yaml, 0o644))

	v := config.New()
	v.AddConfigPath(dir)
	found, err := config.ReadIn(v)
	require.NoError(t, err)
	require.True(t, found)

	cfg, err := config.FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "/var/lib/ledger", cfg.Storage.Dir)
	assert.Equal(t, "node-7", cfg.Publisher.ID)
}

func TestValidate_rateLimitDurations(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("server.rate_limit_sweep_interval", "0s")
	_, err := config.FromViper(v)
	assert.ErrorContains(t, err, "server.rate_limit_sweep_interval")
}

func TestValidate(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("storage.backend", "sqlite")
	_, err := config.FromViper(v)
	assert.ErrorContains(t, err, "unknown storage.backend")

	v.Set("storage.backend", "postgres")
	v.Set("database.url", "")
	_, err = config.FromViper(v)
	assert.ErrorContains(t, err, "database.url")

	v.Set("storage.backend", "file")
	v.Set("auth.key_file", "")
	_, err = config.FromViper(v)
	assert.ErrorContains(t, err, "auth.key")
}
