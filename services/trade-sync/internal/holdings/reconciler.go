package holdings

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/metrics"
)

// BalanceFetcher — часть exchange.Adapter, нужная для сверки.
type BalanceFetcher interface {
	Name() string
	FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Pricer — часть exchange.Adapter, нужная для оценки строк.
type Pricer interface {
	QuoteUSD(ctx context.Context, base string) (decimal.Decimal, bool)
}

// Reconciler приводит партицию (user, exchange) к балансу биржи.
type Reconciler struct {
	store Store
	log   *logger.Logger

	value  bool
	quotes []string
	dust   decimal.Decimal
}

// ReconcilerOption настраивает Reconciler.
type ReconcilerOption func(*Reconciler)

// WithValuation включает оценку строк в USD. Котировочные валюты идут 1:1,
// строки дешевле dust отбрасываются; строки без котировки остаются с nil.
func WithValuation(quotes []string, dust decimal.Decimal) ReconcilerOption {
	return func(r *Reconciler) {
		r.value = true
		r.quotes = quotes
		r.dust = dust
	}
}

func NewReconciler(store Store, log *logger.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{store: store, log: log.Named("reconciler")}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Refresh: FetchBalances → оценка → ReplacePartition. При ошибке получения
// балансов хранилище не трогается, цикл пропускается до следующего триггера.
func (r *Reconciler) Refresh(ctx context.Context, f BalanceFetcher, user string) error {
	p := Partition{User: user, Exchange: f.Name()}
	log := r.log.WithContext(ctx).With(zap.String("partition", p.String()))

	balances, err := f.FetchBalances(ctx)
	if err != nil {
		metrics.HoldingsRefreshes.WithLabelValues(p.Exchange, "fetch_error").Inc()
		log.Warn("balance fetch failed, refresh skipped", zap.Error(err))
		return fmt.Errorf("reconciler: fetch %s: %w", p, err)
	}

	rows := make([]Row, 0, len(balances))
	for asset, owned := range balances {
		rows = append(rows, Row{Asset: asset, Owned: owned})
	}
	if pr, ok := f.(Pricer); ok && r.value {
		rows = r.valuate(ctx, pr, rows, log)
	}

	if err := r.store.ReplacePartition(ctx, p, rows); err != nil {
		metrics.HoldingsRefreshes.WithLabelValues(p.Exchange, "store_error").Inc()
		log.Error("replace partition failed", zap.Error(err))
		return fmt.Errorf("reconciler: replace %s: %w", p, err)
	}

	metrics.HoldingsRefreshes.WithLabelValues(p.Exchange, "ok").Inc()
	log.Debug("holdings refreshed", zap.Int("assets", len(rows)))
	return nil
}

func (r *Reconciler) valuate(ctx context.Context, pr Pricer, rows []Row, log *logger.Logger) []Row {
	out := rows[:0]
	for _, row := range rows {
		if !row.Owned.IsPositive() {
			continue
		}
		price := decimal.NewFromInt(1)
		if !exchange.IsQuote(row.Asset, r.quotes) {
			q, ok := pr.QuoteUSD(ctx, row.Asset)
			if !ok {
				log.Debug("no usd quote, row kept without value", zap.String("asset", row.Asset))
				out = append(out, row)
				continue
			}
			price = q
		}
		v := row.Owned.Mul(price).Round(2)
		if r.dust.IsPositive() && v.LessThan(r.dust) {
			log.Debug("dust dropped", zap.String("asset", row.Asset), zap.String("usd", v.String()))
			continue
		}
		row.USDValue = &v
		out = append(out, row)
	}
	return out
}
