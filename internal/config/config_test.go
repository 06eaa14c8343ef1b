package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, "./data/snapshots.db", cfg.DatabasePath)
	assert.Equal(t, 60*time.Second, cfg.Interval)
	assert.Equal(t, 1000.0, cfg.MinVolume)
	assert.Equal(t, 500.0, cfg.MinLiquidity)
	assert.False(t, cfg.Once)
	assert.False(t, cfg.Trades)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recorder.yaml")
	yamlDoc := `
environment: staging
database:
  path: /tmp/from-file.db
recorder:
  interval: 15s
  min_volume: 2500
  min_liquidity: 100
stream:
  backoff_max: 20s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	t.Setenv("CONFIG_FILE", "")
	t.Setenv("MIN_VOLUME", "5000")

	flags, err := ParseFlags("recorder", []string{"-config", path, "-min-liquidity", "7500", "-once"}, io.Discard)
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "/tmp/from-file.db", cfg.DatabasePath, "file value survives when no env or flag is set")
	assert.Equal(t, 15*time.Second, cfg.Interval)
	assert.Equal(t, 5000.0, cfg.MinVolume, "env overrides file")
	assert.Equal(t, 7500.0, cfg.MinLiquidity, "flag overrides file")
	assert.Equal(t, 20*time.Second, cfg.StreamBackoffMax)
	assert.True(t, cfg.Once)
}

func TestUnsetFlagsDoNotOverride(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("INTERVAL_SEC", "5")

	flags, err := ParseFlags("recorder", []string{"-trades"}, io.Discard)
	require.NoError(t, err)

	cfg, err := Load(flags)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.True(t, cfg.Trades)
}

func TestDatabaseDSNFromSecretFile(t *testing.T) {
	dir := t.TempDir()
	secret := filepath.Join(dir, "dsn")
	require.NoError(t, os.WriteFile(secret, []byte("  postgres://u:p@db/rec  \n"), 0o600))

	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_DSN_FILE", secret)

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/rec", cfg.DatabaseDSN)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "oracle" }, true},
		{"mysql without dsn", func(c *Config) { c.DatabaseDriver = DriverMySQL }, true},
		{"mysql with dsn", func(c *Config) {
			c.DatabaseDriver = DriverMySQL
			c.DatabaseDSN = "rec:rec@tcp(mysql:3306)/rec?parseTime=true"
		}, false},
		{"sqlite without path", func(c *Config) { c.DatabasePath = "" }, true},
		{"zero interval", func(c *Config) { c.Interval = 0 }, true},
		{"negative volume", func(c *Config) { c.MinVolume = -1 }, true},
		{"negative depth", func(c *Config) { c.OrderbookDepth = -1 }, true},
		{"trades without ws url", func(c *Config) {
			c.Trades = true
			c.MarketWSURL = ""
		}, true},
		{"backoff max below base", func(c *Config) {
			c.StreamBackoffBase = 10 * time.Second
			c.StreamBackoffMax = time.Second
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
