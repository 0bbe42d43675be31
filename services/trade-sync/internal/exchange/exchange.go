// Package exchange описывает общий контракт биржевых адаптеров:
// подпись запросов, получение сессии стрима, разбор исполнений и REST-запросы.
package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Идентификаторы поддерживаемых бирж.
const (
	Binance = "binance"
	KuCoin  = "kucoin"
)

// Side — направление сделки.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide приводит "buy"/"SELL"/... к Side.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(SideBuy):
		return SideBuy, nil
	case string(SideSell):
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: unknown side %q", ErrMalformedMessage, s)
	}
}

// ExecutionEvent — исполнение ордера, уже с применённым fallback цены.
type ExecutionEvent struct {
	Symbol    string
	Side      Side
	OrderType string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	OrderID   string
	// ExecutedAt — время исполнения по данным биржи (может быть нулевым).
	ExecutedAt time.Time
}

// PriceOrLast возвращает primary, а если он нулевой — last.
// Market-ордера приходят с нулевой ценой ордера.
func PriceOrLast(primary, last decimal.Decimal) decimal.Decimal {
	if primary.IsZero() {
		return last
	}
	return primary
}

// Session — результат получения listen-токена: куда подключаться и как
// поддерживать соединение живым.
type Session struct {
	Token    string
	Endpoint string

	// PingInterval — 0 → интервал выбирает коннектор.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// KeepAliveEvery — как часто продлевать токен вне стрима (0 → не нужно).
	KeepAliveEvery time.Duration

	// Subscribe — фреймы, которые пишутся сразу после подключения.
	Subscribe [][]byte

	// PingFrame строит прикладной ping-фрейм; nil → websocket control ping.
	PingFrame func() []byte
}

// Adapter — набор возможностей одной биржи, привязанный к одной учётке.
type Adapter interface {
	Name() string

	// Sign — детерминированная HMAC-SHA256 подпись канонической строки.
	Sign(payload string) string

	AcquireSession(ctx context.Context) (*Session, error)
	KeepAlive(ctx context.Context, s *Session) error

	// ParseExecution возвращает (nil, nil) для сообщений, не являющихся
	// исполнением; ErrMalformedMessage — для битых; ErrSessionExpired —
	// если биржа сообщила об истечении токена.
	ParseExecution(raw []byte) (*ExecutionEvent, error)

	// FetchBalances — только активы со строго положительным количеством.
	FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error)

	// QuoteUSD перебирает котировочные валюты по порядку; false, если ни одна
	// не дала цену.
	QuoteUSD(ctx context.Context, base string) (decimal.Decimal, bool)

	BaseAsset(ctx context.Context, symbol string) string
}
