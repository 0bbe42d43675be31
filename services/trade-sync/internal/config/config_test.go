package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/holdings"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "trade-sync", cfg.ServiceName)
	assert.Equal(t, ":8090", cfg.HTTP.Addr)
	assert.Equal(t, "/api/v1", cfg.HTTP.APIPrefix)
	assert.Equal(t, holdings.DriverMemory, cfg.Holdings.Driver)
	assert.Equal(t, []string{"USDT", "USD", "BUSD", "DAI"}, cfg.Quotes)
	assert.Equal(t, 60*time.Second, cfg.Connector.Reconnect.InitialInterval)
	assert.Zero(t, cfg.Connector.Reconnect.MaxRetries)
	assert.Equal(t, 20*time.Second, cfg.Connector.PingInterval)
	assert.Equal(t, 24*time.Hour, cfg.Connector.RotateEvery)
	assert.True(t, cfg.Holdings.Valuation.Enabled)
	assert.Zero(t, cfg.Holdings.Valuation.DustUSD)
	assert.Equal(t, "trades.executions", cfg.Notify.Kafka.Topic)
	assert.True(t, cfg.Notify.Log)
	assert.Equal(t, "trade-sync", cfg.Telemetry.ServiceName)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
service_version: v2.3.4
connector:
  read_timeout: 30s
  reconnect:
    initial_interval: 1s
    multiplier: 2
    max_interval: 30s
    max_retries: 10
quotes: [usdc, usdt]
credentials:
  accounts:
    - user: alice
      exchange: binance
      api_key: k
      api_secret: s
`)
	t.Setenv("TRADESYNC_HOLDINGS_DRIVER", "redis")
	t.Setenv("TRADESYNC_HOLDINGS_REDIS_ADDR", "localhost:6379")
	t.Setenv("TRADESYNC_BINANCE_RECV_WINDOW", "10s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "v2.3.4", cfg.ServiceVersion)
	assert.Equal(t, "v2.3.4", cfg.Telemetry.ServiceVersion)
	assert.Equal(t, 30*time.Second, cfg.Connector.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Connector.PingInterval)
	assert.Equal(t, uint64(10), cfg.Connector.Reconnect.MaxRetries)
	assert.Equal(t, []string{"USDC", "USDT"}, cfg.Quotes)
	assert.Equal(t, holdings.DriverRedis, cfg.Holdings.Driver)
	assert.Equal(t, "localhost:6379", cfg.Holdings.Redis.Addr)
	assert.Equal(t, 10*time.Second, cfg.Binance.RecvWindow)
	require.Len(t, cfg.Credentials.Accounts, 1)
	assert.Equal(t, "s", cfg.Credentials.Accounts[0].APISecret)
}

func TestLoad_ShippedConfigRotatesDaily(t *testing.T) {
	cfg, err := Load("../../config/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.Connector.RotateEvery)

	cfg, err = Load(writeConfig(t, "connector:\n  rotate_every: -1s\n"))
	require.NoError(t, err)
	assert.Negative(t, int64(cfg.Connector.RotateEvery))
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"log level":     "logging:\n  level: loud\n",
		"postgres dsn":  "holdings:\n  driver: postgres\n",
		"unknown store": "holdings:\n  driver: etcd\n",
		"kafka brokers": "notify:\n  kafka:\n    enabled: true\n",
		"jitter":        "connector:\n  reconnect:\n    randomization_factor: 2\n",
		"recv window":   "binance:\n  recv_window: 5m\n",
		"api prefix":    "http:\n  api_prefix: api\n",
		"dust":          "holdings:\n  valuation:\n    dust_usd: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestPrint_HidesSecrets(t *testing.T) {
	path := writeConfig(t, `
holdings:
  driver: postgres
  postgres:
    dsn: postgres://u:topsecret@db/x
credentials:
  accounts:
    - user: alice
      exchange: kucoin
      api_key: key-123
      api_secret: secret-456
      passphrase: pass-789
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Print(&buf))
	out := buf.String()
	assert.Contains(t, out, "alice")
	for _, secret := range []string{"topsecret", "key-123", "secret-456", "pass-789"} {
		assert.NotContains(t, out, secret)
	}
}
