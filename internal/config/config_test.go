package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinevault/klinevault/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 500, cfg.Service.RAMLimit)
	assert.Equal(t, 100, cfg.Store.BatchSize)
	assert.Equal(t, 10_000, cfg.Store.QueueCapacity)
	assert.Equal(t, 95.0, cfg.Quality.CompletenessThreshold)
	assert.Equal(t, 3.0, cfg.Repair.ZThreshold)
	assert.Equal(t, 1.5, cfg.Repair.CriticalGapPct)
	assert.Equal(t, 2*time.Second, cfg.Adapter.KlineTimeout.Std())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "klinevault.yaml")
	yaml := `
service:
  ram_limit: 750
retention:
  max_retention_days: 365
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("GLOBAL_MIN_DATE", "2024-06-01")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 750, cfg.Service.RAMLimit)
	assert.Equal(t, 365, cfg.Retention.MaxRetentionDays)
	assert.Equal(t, 250, cfg.Store.BatchSize) // env beats file
	assert.Equal(t, "2024-06-01", cfg.Retention.GlobalMinDate)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), cfg.GlobalMinTime())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Service.RAMLimit, cfg.Service.RAMLimit)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Driver = "postgres"
	assert.Error(t, cfg.Validate()) // missing DSN

	cfg = Default()
	cfg.Retention.GlobalMinDate = "not-a-date"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Service.MarketType = "margin"
	assert.Error(t, cfg.Validate())
}

func TestIntervalHelpers(t *testing.T) {
	cfg := Default()

	req := cfg.RequiredIntervalSet()
	assert.Contains(t, req, domain.Interval1m)
	assert.Contains(t, req, domain.Interval1h)

	adj := cfg.AdjacentIntervals(domain.Interval15m)
	assert.ElementsMatch(t, []domain.Interval{domain.Interval5m, domain.Interval30m}, adj)

	assert.Equal(t, 6000, cfg.TargetCandles(domain.Interval15m))
	assert.Equal(t, 1000, cfg.TargetCandles(domain.Interval("M")))
}
