package exchange

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/metrics"
)

var tracer = otel.Tracer("trade-sync/exchange")

// RESTConfig — общие настройки HTTP-клиента бирж.
type RESTConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryWait     time.Duration `mapstructure:"retry_wait"`
	RetryMaxWait  time.Duration `mapstructure:"retry_max_wait"`
	UserAgent     string        `mapstructure:"user_agent"`
	DebugRequests bool          `mapstructure:"debug"`
}

func (c *RESTConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryWait <= 0 {
		c.RetryWait = 500 * time.Millisecond
	}
	if c.RetryMaxWait <= 0 {
		c.RetryMaxWait = 3 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "trade-sync/1.0"
	}
}

// NewRESTClient собирает resty-клиент для одной биржи.
// Ретраятся только транспортные ошибки и 5xx; 4xx сразу уходят вызывающему.
func NewRESTClient(baseURL string, cfg RESTConfig) *resty.Client {
	cfg.applyDefaults()
	return resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("User-Agent", cfg.UserAgent).
		SetDebug(cfg.DebugRequests).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
}

// Do выполняет запрос со span'ом и метриками. endpoint — шаблон пути для лейблов.
// Ответ с кодом ≥ 400 превращается в *APIError.
func Do(ctx context.Context, exch, method, endpoint string, req *resty.Request, url string) (*resty.Response, error) {
	ctx, span := tracer.Start(ctx, "REST "+method+" "+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("exchange", exch),
			attribute.String("http.method", method),
			attribute.String("http.route", endpoint),
		))
	defer span.End()

	start := time.Now()
	// биржи иногда отвечают text/plain на ошибках, JSON разбираем всегда
	resp, err := req.SetContext(ctx).ForceContentType("application/json").Execute(method, url)
	metrics.RESTLatency.WithLabelValues(exch, endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RESTRequests.WithLabelValues(exch, endpoint, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.RESTRequests.WithLabelValues(exch, endpoint, strconv.Itoa(resp.StatusCode())).Inc()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	if resp.IsError() {
		apiErr := &APIError{
			Exchange: exch,
			Endpoint: endpoint,
			Status:   resp.StatusCode(),
			Message:  truncate(resp.String(), 256),
		}
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Error())
		return resp, apiErr
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
