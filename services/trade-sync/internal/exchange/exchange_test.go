package exchange

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceOrLast(t *testing.T) {
	last := decimal.RequireFromString("42000.12")
	assert.True(t, PriceOrLast(decimal.Zero, last).Equal(last))
	primary := decimal.RequireFromString("41999")
	assert.True(t, PriceOrLast(primary, last).Equal(primary))
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide("buy")
	require.NoError(t, err)
	assert.Equal(t, SideBuy, s)

	s, err = ParseSide(" SELL ")
	require.NoError(t, err)
	assert.Equal(t, SideSell, s)

	_, err = ParseSide("hold")
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestCredentialValidate(t *testing.T) {
	cases := []struct {
		name    string
		cred    Credential
		wantErr bool
	}{
		{"ok binance", Credential{User: "u", Exchange: Binance, APIKey: "k", APISecret: "s"}, false},
		{"ok kucoin", Credential{User: "u", Exchange: KuCoin, APIKey: "k", APISecret: "s", Passphrase: "p"}, false},
		{"kucoin without passphrase", Credential{User: "u", Exchange: KuCoin, APIKey: "k", APISecret: "s"}, true},
		{"no key", Credential{User: "u", Exchange: Binance, APISecret: "s"}, true},
		{"no user", Credential{Exchange: Binance, APIKey: "k", APISecret: "s"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cred.Validate()
			if c.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredential)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCredentialStringHidesSecrets(t *testing.T) {
	c := Credential{User: "alice", Exchange: Binance, APIKey: "ABCDEFGH", APISecret: "topsecret"}
	s := c.String()
	assert.NotContains(t, s, "topsecret")
	assert.NotContains(t, s, "ABCDEFGH")
	assert.Contains(t, s, "ABCD****")
}

func TestStripQuote(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":   "BTC",
		"ETHBUSD":   "ETH",
		"SOLUSD":    "SOL",
		"ETHBTC":    "ETH",
		"DOGEFDUSD": "DOGE",
		"USDT":      "USDT",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripQuote(in, DefaultQuotes), in)
	}
}

func TestIsQuote(t *testing.T) {
	assert.True(t, IsQuote("usdt", DefaultQuotes))
	assert.True(t, IsQuote("DAI", DefaultQuotes))
	assert.False(t, IsQuote("BTC", DefaultQuotes))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var got Options
	r.Register(Binance, func(cred Credential, opts Options) (Adapter, error) {
		got = opts
		return nil, nil
	}, Options{RESTURL: "http://x"})

	_, err := r.New(Credential{Exchange: Binance})
	require.NoError(t, err)
	assert.Equal(t, "http://x", got.RESTURL)
	assert.Equal(t, DefaultQuotes, got.Quotes)
	assert.NotNil(t, got.Now)

	_, err = r.New(Credential{Exchange: "ftx"})
	assert.True(t, errors.Is(err, ErrUnsupportedExchange))
	assert.Equal(t, []string{Binance}, r.Names())
}
