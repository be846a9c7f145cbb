package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Sourcing.JobBudgetSecs)
	assert.Equal(t, 10, cfg.Sourcing.MatchReserveSecs)
	assert.Equal(t, 120, cfg.Sourcing.DebounceSecs)
	assert.Equal(t, "memory", cfg.Sourcing.Debouncer)
	assert.Equal(t, 1, cfg.Sourcing.DefaultQuantity)
	assert.InDelta(t, 12.0, cfg.Cargo.VATPct, 0.001)
	assert.Equal(t, "cn-cargo", cfg.Cargo.DefaultProvider)
	assert.InDelta(t, 0.3, cfg.Matcher.RankThreshold, 0.001)
	assert.Equal(t, 10, cfg.Matcher.TimeoutSecs)
	assert.Equal(t, "cbu", cfg.Currency.Source)
	assert.Equal(t, 24, cfg.Currency.TTLHours)
	assert.InDelta(t, 12900.0, cfg.Currency.Static.USD, 0.001)
	assert.Equal(t, "sourcing:refresh", cfg.Notify.Channel)
	assert.Equal(t, 15, cfg.Platforms.Shopee.TimeoutSecs)
	assert.Equal(t, 10, cfg.Platforms.AliExpress.MaxResults)
	assert.Equal(t, "MYR", cfg.Platforms.Shopee.Currency)
	assert.True(t, cfg.Platforms.Banggood.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/sourcing
log:
  level: debug
  format: console
sourcing:
  debounce_secs: 30
platforms:
  shopee:
    enabled: false
    timeout_secs: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30, cfg.Sourcing.DebounceSecs)
	assert.False(t, cfg.Platforms.Shopee.Enabled)
	assert.Equal(t, 5, cfg.Platforms.Shopee.TimeoutSecs)
	// Defaults still apply for unset values
	assert.Equal(t, 60, cfg.Sourcing.JobBudgetSecs)
	assert.Equal(t, 10, cfg.Platforms.Shopee.MaxResults)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("SOURCING_LOG_LEVEL", "warn")
	t.Setenv("SOURCING_PLATFORMS_ALIEXPRESS_KEY", "ak-123")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "ak-123", cfg.Platforms.AliExpress.Key)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: ["), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func validConfig() *Config {
	return &Config{
		Store:    StoreConfig{Driver: "sqlite"},
		Sourcing: SourcingConfig{JobBudgetSecs: 60, MatchReserveSecs: 10, Debouncer: "memory"},
		Currency: CurrencyConfig{Source: "static"},
		Matcher:  MatcherConfig{RankThreshold: 0.3},
		Cargo:    CargoConfig{VATPct: 12},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad driver", func(c *Config) { c.Store.Driver = "mysql" }, "unsupported store driver"},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres" }, "database_url"},
		{"budget below reserve", func(c *Config) { c.Sourcing.JobBudgetSecs = 5 }, "job_budget_secs"},
		{"redis debouncer without addr", func(c *Config) { c.Sourcing.Debouncer = "redis" }, "redis.addr"},
		{"unknown debouncer", func(c *Config) { c.Sourcing.Debouncer = "etcd" }, "unknown debouncer"},
		{"unknown currency source", func(c *Config) { c.Currency.Source = "ecb" }, "unknown currency source"},
		{"threshold out of range", func(c *Config) { c.Matcher.RankThreshold = 1.5 }, "rank_threshold"},
		{"negative vat", func(c *Config) { c.Cargo.VATPct = -1 }, "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "verbose", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
