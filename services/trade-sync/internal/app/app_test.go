package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/config"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/connector"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange/exchangetest"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/holdings"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/normalizer"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/notify"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Notify.Log = false
	return cfg
}

func TestNewRegistry_KnowsBothExchanges(t *testing.T) {
	reg := newRegistry(testConfig(t), logger.NewNop())
	assert.Equal(t, []string{exchange.Binance, exchange.KuCoin}, reg.Names())

	a, err := reg.New(exchange.Credential{User: "u", Exchange: exchange.KuCoin, APIKey: "k", APISecret: "s", Passphrase: "p"})
	require.NoError(t, err)
	assert.Equal(t, exchange.KuCoin, a.Name())
}

func TestNewFactory(t *testing.T) {
	cfg := testConfig(t)
	log := logger.NewNop()
	build := newFactory(cfg, newRegistry(cfg, log),
		normalizer.New(cfg.Quotes, log), notify.NewMulti(),
		holdings.NewReconciler(holdings.NewMemoryStore(), log), log)

	r, err := build(exchange.Credential{User: "alice", Exchange: exchange.Binance, APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	assert.Equal(t, "alice/binance", r.Key())
	assert.Equal(t, connector.Idle, r.Status().State)

	_, err = build(exchange.Credential{User: "alice", Exchange: "kraken", APIKey: "k", APISecret: "s"})
	assert.ErrorIs(t, err, exchange.ErrUnsupportedExchange)

	_, err = build(exchange.Credential{User: "bob", Exchange: exchange.KuCoin, APIKey: "k", APISecret: "s"})
	assert.ErrorIs(t, err, exchange.ErrInvalidCredential)
}

func TestNewReconciler_Valuation(t *testing.T) {
	ctx := context.Background()
	fake := &exchangetest.Fake{
		Balances: map[string]decimal.Decimal{
			"BTC":  decimal.RequireFromString("0.01"),
			"DOGE": decimal.RequireFromString("10"),
		},
		Quotes: map[string]decimal.Decimal{
			"BTC":  decimal.RequireFromString("42000.12"),
			"DOGE": decimal.RequireFromString("0.1"),
		},
	}

	cfg := testConfig(t)
	cfg.Holdings.Valuation.DustUSD = 5
	store := holdings.NewMemoryStore()
	require.NoError(t, newReconciler(cfg, store, logger.NewNop()).Refresh(ctx, fake, "alice"))
	rows, err := store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "BTC", rows[0].Asset)
	require.NotNil(t, rows[0].USDValue)

	cfg.Holdings.Valuation.Enabled = false
	store = holdings.NewMemoryStore()
	require.NoError(t, newReconciler(cfg, store, logger.NewNop()).Refresh(ctx, fake, "alice"))
	rows, err = store.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].USDValue)
}

func TestBuildSinks(t *testing.T) {
	sink, p, err := buildSinks(context.Background(), notify.Config{Log: true}, logger.NewNop())
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 1, sink.Len())

	sink, p, err = buildSinks(context.Background(), notify.Config{}, logger.NewNop())
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, 0, sink.Len())
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Run(ctx, cfg, logger.NewNop()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_RejectsBadCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Credentials.Accounts = []exchange.Credential{{User: "alice", Exchange: exchange.KuCoin, APIKey: "k", APISecret: "s"}}
	err := Run(context.Background(), cfg, logger.NewNop())
	assert.ErrorIs(t, err, exchange.ErrInvalidCredential)
}
