package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, 1024, cfg.Engine.QueueSize)
	assert.Equal(t, time.Second, cfg.Engine.ExpirySweepInterval)
	assert.Equal(t, "USDT", cfg.Rebalance.CashAsset)
	assert.Equal(t, time.Minute, cfg.Rebalance.CheckInterval)
}

func TestFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log_level: debug
http:
  addr: ":9090"
engine:
  queue_size: 256
  price_band: "0.05"
pricefeed:
  seeds:
    BTC: "50000"
pairs:
  - symbol: BTC/USDT
    base_asset: BTC
    quote_asset: USDT
    tick_size: "0.01"
    min_quantity: "0.001"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 256, cfg.Engine.QueueSize)
	assert.Equal(t, "0.05", cfg.Engine.PriceBand)
	assert.Equal(t, "50000", cfg.PriceFeed.Seeds["BTC"])
	require.Len(t, cfg.Pairs, 1)
	assert.Equal(t, "BTC/USDT", cfg.Pairs[0].Symbol)
	// Untouched keys keep their defaults.
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestEnvironmentWins(t *testing.T) {
	t.Setenv("TRADECORE_LOG_LEVEL", "warn")
	t.Setenv("TRADECORE_HTTP_ADDR", ":7070")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
}

func TestRejectsUnknownDriver(t *testing.T) {
	t.Setenv("TRADECORE_DATABASE_DRIVER", "oracle")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestRejectsPairWithoutAssets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
pairs:
  - symbol: BTC/USDT
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "missing symbol or assets")
}

func TestBadYAMLSurfacesError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n  - not yaml"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
