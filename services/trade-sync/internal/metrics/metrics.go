package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	commonprom "github.com/YaganovValera/exchange-sync/common/prometheus"
)

var (
	once sync.Once

	// MessagesTotal — все сообщения, прочитанные из стримов бирж.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "stream",
		Name:      "messages_total",
		Help:      "Total number of messages read from exchange streams",
	}, []string{"exchange"})

	// ParseErrors — битые сообщения, отброшенные без остановки стрима.
	ParseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "stream",
		Name:      "parse_errors_total",
		Help:      "Number of malformed stream messages dropped",
	}, []string{"exchange"})

	// TradeEvents — нормализованные события сделок.
	TradeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "trades",
		Name:      "events_total",
		Help:      "Canonical trade events produced",
	}, []string{"exchange", "side"})

	// NotifyErrors — ошибки доставки в sink.
	NotifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "notify",
		Name:      "errors_total",
		Help:      "Trade notification delivery errors",
	}, []string{"sink"})

	// QuoteFailures — сделки, для которых не нашлось USD-котировки.
	QuoteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "quotes",
		Name:      "failures_total",
		Help:      "Trades emitted without USD value because every quote lookup failed",
	}, []string{"exchange"})

	// Reconnects — переходы в Reconnecting по причинам.
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "connector",
		Name:      "reconnects_total",
		Help:      "Connector transitions into Reconnecting",
	}, []string{"exchange", "reason"})

	// ConnectorState — текущее состояние коннектора (числовой код State).
	ConnectorState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tradesync",
		Subsystem: "connector",
		Name:      "state",
		Help:      "Current connector state (0=idle … 5=closed)",
	}, []string{"exchange", "user"})

	// KeepAliveErrors — неудачные продления listen-токена.
	KeepAliveErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "connector",
		Name:      "keepalive_errors_total",
		Help:      "Failed session keep-alive calls",
	}, []string{"exchange"})

	// HoldingsRefreshes — результаты сверки балансов.
	HoldingsRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "holdings",
		Name:      "refreshes_total",
		Help:      "Holdings refresh attempts by result",
	}, []string{"exchange", "result"})

	// StoreLatency — длительность операций хранилища holdings.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tradesync",
		Subsystem: "holdings",
		Name:      "store_latency_seconds",
		Help:      "Holdings store operation latency (seconds)",
		Buckets:   prometheus.DefBuckets,
	}, []string{"driver", "op"})

	// RESTRequests — REST-запросы к биржам.
	RESTRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "rest",
		Name:      "requests_total",
		Help:      "Exchange REST requests by endpoint and status",
	}, []string{"exchange", "endpoint", "status"})

	// RESTLatency — задержка REST-запросов.
	RESTLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tradesync",
		Subsystem: "rest",
		Name:      "latency_seconds",
		Help:      "Exchange REST latency (seconds)",
		Buckets:   prometheus.DefBuckets,
	}, []string{"exchange", "endpoint"})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		}
		commonprom.MustRegisterMany(reg,
			MessagesTotal,
			ParseErrors,
			TradeEvents,
			NotifyErrors,
			QuoteFailures,
			Reconnects,
			ConnectorState,
			KeepAliveErrors,
			HoldingsRefreshes,
			StoreLatency,
			RESTRequests,
			RESTLatency,
		)
	})
}
