// Package normalizer превращает исполнение биржи в каноническое событие сделки.
package normalizer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/event"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/metrics"
)

var tracer = otel.Tracer("trade-sync/normalizer")

// usdPlaces — точность долларовой оценки.
const usdPlaces = 2

// Normalizer не хранит состояния между сообщениями.
type Normalizer struct {
	quotes []string
	log    *logger.Logger
	now    func() time.Time
	newID  func() uuid.UUID
}

// New создаёт нормализатор. quotes — стейблкоины, для которых оценка не нужна.
func New(quotes []string, log *logger.Logger) *Normalizer {
	if len(quotes) == 0 {
		quotes = exchange.DefaultQuotes
	}
	return &Normalizer{
		quotes: quotes,
		log:    log.Named("normalizer"),
		now:    time.Now,
		newID:  uuid.New,
	}
}

// Normalize собирает TradeEvent. Единственный побочный эффект — REST-запрос котировки.
func (n *Normalizer) Normalize(ctx context.Context, a exchange.Adapter, cred exchange.Credential, ev exchange.ExecutionEvent) event.TradeEvent {
	ctx, span := tracer.Start(ctx, "Normalize",
		trace.WithAttributes(
			attribute.String("exchange", a.Name()),
			attribute.String("symbol", ev.Symbol),
		))
	defer span.End()

	base := a.BaseAsset(ctx, ev.Symbol)
	out := event.TradeEvent{
		ID:         n.newID(),
		Exchange:   a.Name(),
		User:       cred.User,
		Symbol:     ev.Symbol,
		BaseAsset:  base,
		Side:       ev.Side,
		OrderType:  ev.OrderType,
		Price:      ev.Price,
		Quantity:   ev.Quantity,
		OrderID:    ev.OrderID,
		ExecutedAt: ev.ExecutedAt,
	}
	if out.ExecutedAt.IsZero() {
		out.ExecutedAt = n.now().UTC()
	}

	if exchange.IsQuote(base, n.quotes) {
		return out
	}

	quote, ok := a.QuoteUSD(ctx, base)
	if !ok {
		metrics.QuoteFailures.WithLabelValues(a.Name()).Inc()
		n.log.WithContext(ctx).Warn("usd quote unavailable",
			zap.String("symbol", ev.Symbol),
			zap.String("base", base))
		return out
	}
	usd := USDValue(quote, ev.Quantity)
	out.USDValue = &usd
	span.SetAttributes(attribute.String("usd_value", usd.String()))
	return out
}

// USDValue — quote × qty, округлённое до центов.
func USDValue(quote, qty decimal.Decimal) decimal.Decimal {
	return quote.Mul(qty).Round(usdPlaces)
}
