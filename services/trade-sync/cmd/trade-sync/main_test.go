package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/holdings"
)

func TestPrintHoldings_Filters(t *testing.T) {
	btcUSD := decimal.RequireFromString("420")
	rows := []holdings.Row{
		{User: "alice", Exchange: "binance", Asset: "BTC", Owned: decimal.RequireFromString("0.01"), USDValue: &btcUSD},
		{User: "alice", Exchange: "kucoin", Asset: "ETH", Owned: decimal.RequireFromString("2")},
		{User: "bob", Exchange: "binance", Asset: "USDT", Owned: decimal.RequireFromString("150")},
	}
	var buf bytes.Buffer
	require.NoError(t, printHoldings(&buf, rows, "alice", "BINANCE"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "OWNED")
	assert.Contains(t, lines[1], "0.01")
	assert.Contains(t, lines[1], "420.00")

	buf.Reset()
	require.NoError(t, printHoldings(&buf, rows, "alice", "kucoin"))
	lines = strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[1], "-"))
}

func TestConfigCmd_PrintsEffectiveConfig(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--config", "", "--env-file", ""})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "trade-sync")
}

func TestHoldingsCmd_RejectsMemoryDriver(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"holdings", "--config", "", "--env-file", ""})
	assert.ErrorIs(t, root.Execute(), errMemoryHoldings)
	assert.Empty(t, out.String())
}

func TestHoldingsCmd_ReadsRedisSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	store := holdings.NewRedisStore(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "holdings", logger.NewNop())
	usd := decimal.RequireFromString("420")
	require.NoError(t, store.ReplacePartition(context.Background(),
		holdings.Partition{User: "alice", Exchange: "binance"},
		[]holdings.Row{{Asset: "BTC", Owned: decimal.RequireFromString("0.01"), USDValue: &usd}}))

	t.Setenv("TRADESYNC_HOLDINGS_DRIVER", "redis")
	t.Setenv("TRADESYNC_HOLDINGS_REDIS_ADDR", mr.Addr())

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"holdings", "--config", "", "--env-file", ""})
	require.NoError(t, root.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"alice", "binance", "BTC", "0.01", "420.00"}, strings.Fields(lines[1]))
}
