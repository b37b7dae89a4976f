package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, StorageMySQL, cfg.Storage.Driver)
	assert.Equal(t, int64(50), cfg.Business.InitialCoinBalance)
	assert.Equal(t, int64(20), cfg.Business.DefaultItemPrice)
	assert.Equal(t, int64(1000000), cfg.Business.MaxCoinAmount)
	assert.Equal(t, 5*time.Minute, cfg.PayPal.TokenRefreshMargin)
	assert.Equal(t, []string{".paypal.com"}, cfg.PayPal.CertHostSuffixes)
	assert.Equal(t, "successful_payments", cfg.Kafka.Topic.CoinsCredited)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
storage:
  driver: memory
paypal:
  client_id: file-id
  timeout: 3s
business:
  initial_coin_balance: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("PAYPAL_CLIENT_ID", "env-id")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, "env-id", cfg.PayPal.ClientID)
	assert.Equal(t, 3*time.Second, cfg.PayPal.Timeout)
	assert.Equal(t, int64(10), cfg.Business.InitialCoinBalance)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: mongo\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsNonPositiveMaxCoinAmount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("business:\n  max_coin_amount: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
