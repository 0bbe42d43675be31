// Package exchangetest содержит управляемый адаптер для тестов коннектора,
// нормализатора и сверки.
package exchangetest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
)

// Fake — адаптер в памяти. Сообщения стрима — JSON вида
// {"type":"fill","symbol":"BTCUSDT","side":"BUY","price":"0","last":"1","qty":"1"}
// или {"type":"expired"}; всё прочее с валидным JSON — не исполнение.
type Fake struct {
	mu sync.Mutex

	ExchangeName string
	Endpoint     string
	Quotes       map[string]decimal.Decimal
	Balances     map[string]decimal.Decimal
	BalancesErr  error
	SessionErr   error
	Subscribe    [][]byte
	// KeepAliveEvery и PingFrame копируются в каждую сессию.
	KeepAliveEvery time.Duration
	PingFrame      func() []byte

	sessions   int
	keepAlives int
	balCalls   int
	quoteCalls []string
}

var _ exchange.Adapter = (*Fake)(nil)

func (f *Fake) Name() string {
	if f.ExchangeName == "" {
		return exchange.Binance
	}
	return f.ExchangeName
}

func (f *Fake) Sign(payload string) string { return "signed:" + payload }

func (f *Fake) AcquireSession(context.Context) (*exchange.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
	if f.SessionErr != nil {
		return nil, f.SessionErr
	}
	return &exchange.Session{
		Token:          "token",
		Endpoint:       f.Endpoint,
		Subscribe:      f.Subscribe,
		KeepAliveEvery: f.KeepAliveEvery,
		PingFrame:      f.PingFrame,
	}, nil
}

func (f *Fake) KeepAlive(context.Context, *exchange.Session) error {
	f.mu.Lock()
	f.keepAlives++
	f.mu.Unlock()
	return nil
}

type message struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Price  string `json:"price"`
	Last   string `json:"last"`
	Qty    string `json:"qty"`
}

func (f *Fake) ParseExecution(raw []byte) (*exchange.ExecutionEvent, error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, exchange.Malformed("fake: %v", err)
	}
	switch m.Type {
	case "expired":
		return nil, exchange.ErrSessionExpired
	case "fill":
	default:
		return nil, nil
	}
	side, err := exchange.ParseSide(m.Side)
	if err != nil {
		return nil, err
	}
	price, err1 := decimal.NewFromString(orZero(m.Price))
	last, err2 := decimal.NewFromString(orZero(m.Last))
	qty, err3 := decimal.NewFromString(orZero(m.Qty))
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, exchange.Malformed("fake: %v", err)
	}
	return &exchange.ExecutionEvent{
		Symbol:    m.Symbol,
		Side:      side,
		OrderType: "MARKET",
		Price:     exchange.PriceOrLast(price, last),
		Quantity:  qty,
	}, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func (f *Fake) FetchBalances(context.Context) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balCalls++
	if f.BalancesErr != nil {
		return nil, f.BalancesErr
	}
	out := make(map[string]decimal.Decimal, len(f.Balances))
	for k, v := range f.Balances {
		if v.IsPositive() {
			out[k] = v
		}
	}
	return out, nil
}

func (f *Fake) QuoteUSD(_ context.Context, base string) (decimal.Decimal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quoteCalls = append(f.quoteCalls, base)
	p, ok := f.Quotes[base]
	return p, ok
}

func (f *Fake) BaseAsset(_ context.Context, symbol string) string {
	return exchange.StripQuote(strings.ReplaceAll(symbol, "-", ""), exchange.DefaultQuotes)
}

// SetBalances подменяет балансы под мьютексом.
func (f *Fake) SetBalances(b map[string]decimal.Decimal) {
	f.mu.Lock()
	f.Balances = b
	f.mu.Unlock()
}

func (f *Fake) Sessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions
}

func (f *Fake) KeepAlives() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepAlives
}

func (f *Fake) BalanceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balCalls
}

func (f *Fake) QuoteCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.quoteCalls...)
}
