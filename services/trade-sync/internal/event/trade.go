// Package event содержит каноническое событие сделки, общее для всех бирж.
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
)

// TradeEvent — нормализованное исполнение. Создаётся один раз на сделку
// и больше не меняется. USDValue == nil, если котировку получить не удалось.
type TradeEvent struct {
	ID         uuid.UUID        `json:"id"`
	Exchange   string           `json:"exchange"`
	User       string           `json:"user"`
	Symbol     string           `json:"symbol"`
	BaseAsset  string           `json:"base_asset"`
	Side       exchange.Side    `json:"side"`
	OrderType  string           `json:"order_type"`
	Price      decimal.Decimal  `json:"price"`
	Quantity   decimal.Decimal  `json:"quantity"`
	OrderID    string           `json:"order_id,omitempty"`
	USDValue   *decimal.Decimal `json:"usd_value"`
	ExecutedAt time.Time        `json:"executed_at"`
}

// Key — ключ партиционирования downstream (user:exchange).
func (e TradeEvent) Key() string { return e.User + ":" + e.Exchange }

// HasUSDValue сообщает, удалось ли оценить сделку в долларах.
func (e TradeEvent) HasUSDValue() bool { return e.USDValue != nil }
