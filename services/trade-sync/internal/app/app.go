// services/trade-sync/internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/exchange-sync/common"
	"github.com/YaganovValera/exchange-sync/common/httpserver"
	commonkafka "github.com/YaganovValera/exchange-sync/common/kafka"
	producer "github.com/YaganovValera/exchange-sync/common/kafka/producer"
	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/common/middleware"
	"github.com/YaganovValera/exchange-sync/common/shutdown"
	"github.com/YaganovValera/exchange-sync/common/telemetry"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/api"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/config"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/connector"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/credentials"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange/binance"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange/kucoin"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/holdings"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/metrics"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/normalizer"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/notify"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/supervisor"
)

const closeTimeout = 5 * time.Second

// Run собирает и запускает сервис trade-sync. Возвращает nil при штатной
// остановке по ctx.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// -------------------------------------------------------------------------
	// 0) Сквозной service-label для всех подсистем
	// -------------------------------------------------------------------------
	common.InitServiceName(cfg.ServiceName)

	// -------------------------------------------------------------------------
	// 1) Prometheus-метрики
	// -------------------------------------------------------------------------
	metrics.Register()

	// -------------------------------------------------------------------------
	// 2) OpenTelemetry
	// -------------------------------------------------------------------------
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("telemetry init: %w", err)
	}
	defer shutdown.GracefulShutdown("tracer", closeTimeout, shutdownTracer, log)

	// -------------------------------------------------------------------------
	// 3) Holdings store
	// -------------------------------------------------------------------------
	store, err := holdings.Open(ctx, cfg.Holdings, log)
	if err != nil {
		return fmt.Errorf("holdings store init: %w", err)
	}
	defer shutdown.GracefulShutdown("holdings store", closeTimeout, shutdown.Closer(store.Close), log)

	// -------------------------------------------------------------------------
	// 4) Notification sinks
	// -------------------------------------------------------------------------
	sink, kafkaProducer, err := buildSinks(ctx, cfg.Notify, log)
	if err != nil {
		return fmt.Errorf("notify init: %w", err)
	}
	if kafkaProducer != nil {
		defer shutdown.GracefulShutdown("kafka producer", closeTimeout, shutdown.Closer(kafkaProducer.Close), log)
	}

	// -------------------------------------------------------------------------
	// 5) Credentials → supervisor
	// -------------------------------------------------------------------------
	creds, err := credentials.LoadAll(ctx, credentials.FromConfig(cfg.Credentials))
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	if len(creds) == 0 {
		log.Warn("no exchange credentials configured; only the reporting API will run")
	}

	norm := normalizer.New(cfg.Quotes, log)
	rec := newReconciler(cfg, store, log)
	sup, err := supervisor.New(creds, newFactory(cfg, newRegistry(cfg, log), norm, sink, rec, log), log)
	if err != nil {
		return fmt.Errorf("supervisor init: %w", err)
	}

	// -------------------------------------------------------------------------
	// 6) HTTP-server
	// -------------------------------------------------------------------------
	readiness := func() error {
		if err := sup.Ready(); err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return store.Ping(pingCtx)
	}

	mws := []httpserver.Middleware{
		httpserver.RecoverMiddleware(log),
		middleware.RequestID(),
		middleware.Metrics(nil),
	}
	if len(cfg.CORSOrigins) > 0 {
		mws = append(mws, httpserver.CORSMiddleware(cfg.CORSOrigins))
	}
	handler := api.NewHandler(store, sup, log)
	httpSrv, err := httpserver.New(cfg.HTTP, readiness, log, handler.Routes(), mws...)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	log.Info("trade-sync: components initialized, entering run-loop",
		zap.Int("connectors", sup.Len()),
		zap.String("holdings.driver", cfg.Holdings.Driver),
	)

	// -------------------------------------------------------------------------
	// 7) Concurrent loops
	// -------------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(gctx) })
	g.Go(func() error { return sup.Run(gctx) })

	// -------------------------------------------------------------------------
	// 8) Wait & graceful shutdown
	// -------------------------------------------------------------------------
	err = g.Wait()
	sup.Stop()
	if ctx.Err() != nil {
		log.Info("trade-sync shutdown complete")
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("runtime error", zap.Error(err))
		return err
	}
	return nil
}

// newRegistry регистрирует поддерживаемые биржи с их эндпоинтами.
func newRegistry(cfg *config.Config, log *logger.Logger) *exchange.Registry {
	reg := exchange.NewRegistry()
	reg.Register(exchange.Binance, binance.New, exchange.Options{
		RESTURL:    cfg.Binance.RESTURL,
		WSURL:      cfg.Binance.WSURL,
		RecvWindow: cfg.Binance.RecvWindow,
		Quotes:     cfg.Quotes,
		REST:       cfg.REST,
		Log:        log,
	})
	reg.Register(exchange.KuCoin, kucoin.New, exchange.Options{
		RESTURL: cfg.KuCoin.RESTURL,
		Quotes:  cfg.Quotes,
		REST:    cfg.REST,
		Log:     log,
	})
	return reg
}

// newReconciler включает оценку строк в USD по holdings.valuation.
func newReconciler(cfg *config.Config, store holdings.Store, log *logger.Logger) *holdings.Reconciler {
	v := cfg.Holdings.Valuation
	if !v.Enabled {
		return holdings.NewReconciler(store, log)
	}
	return holdings.NewReconciler(store, log,
		holdings.WithValuation(cfg.Quotes, decimal.NewFromFloat(v.DustUSD).Round(2)))
}

// newFactory строит коннектор на учётку: адаптер из реестра + общие
// normalizer, sink и reconciler.
func newFactory(
	cfg *config.Config,
	reg *exchange.Registry,
	norm connector.Normalizer,
	sink notify.Sink,
	rec connector.Refresher,
	log *logger.Logger,
) supervisor.Factory {
	return func(cred exchange.Credential) (supervisor.Runner, error) {
		adapter, err := reg.New(cred)
		if err != nil {
			return nil, err
		}
		return connector.New(cfg.Connector, connector.Deps{
			Credential: cred,
			Adapter:    adapter,
			Normalizer: norm,
			Sink:       sink,
			Reconciler: rec,
			Log:        log,
		})
	}
}

// buildSinks собирает fan-out из включённых получателей. Producer
// возвращается отдельно, чтобы закрыть его при остановке.
func buildSinks(ctx context.Context, cfg notify.Config, log *logger.Logger) (*notify.Multi, commonkafka.Producer, error) {
	multi := notify.NewMulti()
	if cfg.Log {
		multi.Add("log", notify.NewLogSink(log))
	}

	var p commonkafka.Producer
	if cfg.Kafka.Enabled {
		cfg.Kafka.ApplyDefaults()
		var err error
		p, err = producer.New(ctx, cfg.Kafka.Producer, log)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka producer: %w", err)
		}
		multi.Add("kafka", notify.NewKafkaSink(p, cfg.Kafka.Topic, log))
	}

	if multi.Len() == 0 {
		log.Warn("no notification sinks enabled; trade events are only counted")
	}
	return multi, p, nil
}
