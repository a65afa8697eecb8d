package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 20, cfg.Postgres.MaxConnections)
	assert.Equal(t, int64(300_000), cfg.Vault.AdminFeeShare)
	assert.Equal(t, int64(86_400), cfg.Vault.EpochDuration)
	assert.Equal(t, 1024, cfg.Channels.PersistSize)
	assert.Equal(t, 50, cfg.Persist.BatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Persist.FlushTimeout)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
	assert.Equal(t, ":9091", cfg.Server.MetricsAddr)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
postgres:
  dsn: "postgres://prod:secret@db:5432/vault"
vault:
  admin: "11111111-1111-1111-1111-111111111111"
  admin_fee_share: 500000
  epoch_duration: 3600
server:
  http_addr: ":8088"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://prod:secret@db:5432/vault", cfg.Postgres.DSN)
	assert.Equal(t, int64(500_000), cfg.Vault.AdminFeeShare)
	assert.Equal(t, int64(3600), cfg.Vault.EpochDuration)
	assert.Equal(t, ":8088", cfg.Server.HTTPAddr)
	// Untouched keys keep their defaults
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PERPVAULT_NATS_URL", "nats://broker:4222")
	t.Setenv("PERPVAULT_VAULT_EPOCH_DURATION", "7200")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, int64(7200), cfg.Vault.EpochDuration)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty dsn", func(c *Config) { c.Postgres.DSN = "" }},
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"malformed admin", func(c *Config) { c.Vault.Admin = "not-a-uuid" }},
		{"malformed relayer", func(c *Config) { c.Vault.Relayer = "nope" }},
		{"fee share above unit", func(c *Config) { c.Vault.AdminFeeShare = 1_000_001 }},
		{"negative fee share", func(c *Config) { c.Vault.AdminFeeShare = -1 }},
		{"zero epoch duration", func(c *Config) { c.Vault.EpochDuration = 0 }},
		{"zero channel size", func(c *Config) { c.Channels.PublishSize = 0 }},
		{"zero batch size", func(c *Config) { c.Persist.BatchSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIdentityParsing(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.AdminID().String() == "00000000-0000-0000-0000-000000000000")

	cfg.Vault.Admin = "11111111-1111-1111-1111-111111111111"
	cfg.Vault.Relayer = "22222222-2222-2222-2222-222222222222"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", cfg.AdminID().String())
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", cfg.RelayerID().String())
}
