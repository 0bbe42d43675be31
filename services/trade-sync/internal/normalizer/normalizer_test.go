package normalizer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange/exchangetest"
)

var cred = exchange.Credential{User: "alice", Exchange: exchange.Binance}

func newNormalizer() *Normalizer {
	n := New(nil, logger.NewNop())
	n.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	n.newID = func() uuid.UUID { return uuid.MustParse("11111111-2222-3333-4444-555555555555") }
	return n
}

func TestNormalize_MarketBuyScenario(t *testing.T) {
	fake := &exchangetest.Fake{Quotes: map[string]decimal.Decimal{"BTC": decimal.RequireFromString("42000.12")}}
	ev, err := fake.ParseExecution([]byte(`{"type":"fill","symbol":"BTCUSDT","side":"BUY","price":"0","last":"42000.12","qty":"0.01"}`))
	require.NoError(t, err)
	require.NotNil(t, ev)

	out := newNormalizer().Normalize(context.Background(), fake, cred, *ev)

	assert.Equal(t, "binance", out.Exchange)
	assert.Equal(t, "alice", out.User)
	assert.Equal(t, "BTCUSDT", out.Symbol)
	assert.Equal(t, "BTC", out.BaseAsset)
	assert.Equal(t, exchange.SideBuy, out.Side)
	assert.Equal(t, "MARKET", out.OrderType)
	assert.True(t, out.Price.Equal(decimal.RequireFromString("42000.12")), out.Price.String())
	assert.True(t, out.Quantity.Equal(decimal.RequireFromString("0.01")))
	require.True(t, out.HasUSDValue())
	assert.Equal(t, "420", out.USDValue.String())
	assert.True(t, out.USDValue.IsPositive())
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", out.ID.String())
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), out.ExecutedAt)
	assert.Equal(t, "alice:binance", out.Key())
}

func TestNormalize_StablecoinBaseSkipsQuote(t *testing.T) {
	fake := &exchangetest.Fake{}
	out := newNormalizer().Normalize(context.Background(), fake, cred, exchange.ExecutionEvent{
		Symbol: "BUSDUSDT", Side: exchange.SideSell, Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(100),
	})
	assert.Equal(t, "BUSD", out.BaseAsset)
	assert.Nil(t, out.USDValue)
	assert.Empty(t, fake.QuoteCalls())
}

func TestNormalize_QuoteFailureLeavesNoValue(t *testing.T) {
	fake := &exchangetest.Fake{}
	out := newNormalizer().Normalize(context.Background(), fake, cred, exchange.ExecutionEvent{
		Symbol: "FOOUSDT", Side: exchange.SideBuy, Price: decimal.NewFromInt(3), Quantity: decimal.NewFromInt(2),
	})
	assert.Nil(t, out.USDValue)
	assert.Equal(t, []string{"FOO"}, fake.QuoteCalls())
}

func TestNormalize_KeepsExchangeTimestamp(t *testing.T) {
	at := time.UnixMilli(1700000000000).UTC()
	out := newNormalizer().Normalize(context.Background(), &exchangetest.Fake{}, cred, exchange.ExecutionEvent{
		Symbol: "USDTDAI", Side: exchange.SideBuy, ExecutedAt: at,
	})
	assert.Equal(t, at, out.ExecutedAt)
}

func TestUSDValue_Rounding(t *testing.T) {
	cases := []struct {
		quote, qty, want string
	}{
		{"42000.12", "0.01", "420"},
		{"1.005", "1", "1.01"},
		{"0.333", "3", "1"},
		{"2500.5", "1.5", "3750.75"},
	}
	for _, c := range cases {
		got := USDValue(decimal.RequireFromString(c.quote), decimal.RequireFromString(c.qty))
		assert.True(t, got.Equal(decimal.RequireFromString(c.want)), "%s×%s = %s", c.quote, c.qty, got)
	}
}
