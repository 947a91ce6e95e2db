package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundescrow/internal/escrow"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadMergesEnvAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
store:
  driver: postgres
db:
  host: db
  port: 5432
  password: ${DB_PASSWORD}
jwt:
  secret: ${JWT_SECRET}
escrow:
  voting_window: 48h
  quorum_fraction: "0.6"
  settlement:
    max_retries: 4
    backoff_base: 2s
    backoff_max: 1m
    credit:
      mode: proportional
      rate_percent: 5
`)
	writeFile(t, dir, "test.yaml", `
store:
  driver: memory
escrow:
  early_close: true
`)
	writeFile(t, dir, "secrets.env", "DB_PASSWORD=hunter2\nJWT_SECRET='s3cret'\n")

	cfg, err := LoadFrom("test", dir)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "hunter2", cfg.DB.Password)
	assert.Equal(t, "s3cret", cfg.JWT.Secret)
	assert.Equal(t, 48*time.Hour, cfg.Escrow.VotingWindow)
	assert.True(t, cfg.Escrow.EarlyClose)
	assert.Equal(t, 4, cfg.Escrow.Settlement.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Escrow.Settlement.BackoffBase)
	assert.Equal(t, escrow.CreditProportional, cfg.Escrow.Settlement.Credit.Mode)

	// untouched keys keep their defaults
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "simulated", cfg.Gateway.Mode)

	mc := cfg.MilestoneConfig()
	assert.Equal(t, "0.6", mc.Policy.QuorumFraction.String())
	assert.True(t, mc.EarlyClose)
}

func TestEnvironmentOverridesFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "db:\n  host: db\nserver:\n  port: \"8080\"\n")
	t.Setenv("DB_HOST", "override")
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := LoadFrom("local", dir)
	require.NoError(t, err)
	assert.Equal(t, "override", cfg.DB.Host)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":  func(c *Config) { c.Store.Driver = "sqlite" },
		"gateway": func(c *Config) { c.Gateway.Mode = "http" },
		"quorum":  func(c *Config) { c.Escrow.QuorumFraction = "1.5" },
		"window":  func(c *Config) { c.Escrow.VotingWindow = 0 },
		"backoff": func(c *Config) { c.Escrow.Settlement.BackoffMax = time.Millisecond },
		"credit":  func(c *Config) { c.Escrow.Settlement.Credit.Mode = "random" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestMissingBaseFile(t *testing.T) {
	_, err := LoadFrom("local", t.TempDir())
	assert.Error(t, err)
}

func TestBankAccountsFromConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
store:
  driver: memory
escrow:
  bank_accounts:
    camp-1:
      account_holder: Alice
      account_number: DE-001
`)
	cfg, err := LoadFrom("test", dir)
	require.NoError(t, err)

	info, err := cfg.Escrow.BankAccounts.BankInfo(context.Background(), "camp-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "DE-001", info.AccountNumber)

	info, err = cfg.Escrow.BankAccounts.BankInfo(context.Background(), "camp-2")
	require.NoError(t, err)
	assert.Nil(t, info)
}
