// common/backoff/backoff.go
//
// Execute — ретраи одной операции (подключение к Kafka/Redis, REST-вызов).
// Schedule (schedule.go) — паузы между переподключениями коннектора.
// Обе политики строятся поверх cenkalti ExponentialBackOff и пишут
// одни и те же метрики с лейблом policy.
package backoff

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/logger"
)

const (
	policyExecute  = "execute"
	policySchedule = "schedule"
)

var serviceLabel = "unknown"

// SetServiceLabel вызывается из common.InitServiceName до первого Execute.
func SetServiceLabel(name string) { serviceLabel = name }

var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "common", Subsystem: "backoff", Name: "retries_total",
		Help: "Back-off retry attempts",
	}, []string{"service", "policy"})

	giveUpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "common", Subsystem: "backoff", Name: "give_ups_total",
		Help: "Operations abandoned after the retry budget was spent",
	}, []string{"service", "policy"})

	recoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "common", Subsystem: "backoff", Name: "recoveries_total",
		Help: "Operations that succeeded after at least one retry",
	}, []string{"service", "policy"})

	retryDelay = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "common", Subsystem: "backoff", Name: "retry_delay_seconds",
		Help:    "Delay before each retry (seconds)",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"service", "policy"})
)

func observeRetry(policy string, d time.Duration) {
	retriesTotal.WithLabelValues(serviceLabel, policy).Inc()
	retryDelay.WithLabelValues(serviceLabel, policy).Observe(d.Seconds())
}

// Config — экспоненциальные ретраи одной операции. Нули → дефолты.
type Config struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	// RandomizationFactor — jitter, 0.0…1.0.
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
	Multiplier          float64       `mapstructure:"multiplier"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	// MaxElapsedTime — общий бюджет на все попытки; 0 → без ограничения.
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`
	// MaxAttempts — потолок числа попыток; 0 → без ограничения.
	MaxAttempts uint64 `mapstructure:"max_attempts"`
	// PerAttemptTimeout — таймаут одного вызова fn; 0 → без таймаута.
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout"`
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
}

func (c Config) validate() error {
	return checkShape(c.RandomizationFactor, c.Multiplier)
}

// checkShape — общие ограничения для Config и ScheduleConfig.
func checkShape(jitter, multiplier float64) error {
	if jitter < 0 || jitter > 1 {
		return fmt.Errorf("backoff: randomization_factor must be in [0,1]")
	}
	if multiplier != 0 && multiplier < 1 {
		return fmt.Errorf("backoff: multiplier must be ≥ 1")
	}
	return nil
}

// exponential собирает cenkalti-политику; maxAttempts == 0 → без потолка.
func exponential(initial, maxInterval, maxElapsed time.Duration, multiplier, jitter float64, maxAttempts uint64) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.Multiplier = multiplier
	exp.RandomizationFactor = jitter
	exp.MaxInterval = maxInterval
	exp.MaxElapsedTime = maxElapsed
	exp.Reset()
	if maxAttempts > 0 {
		// WithMaxRetries считает ретраи, первая попытка не в счёт
		return backoff.WithMaxRetries(exp, maxAttempts-1)
	}
	return exp
}

// RetryableFunc — операция, которую можно повторять.
type RetryableFunc func(ctx context.Context) error

// ErrMaxRetries — fn так и не выполнилась успешно.
type ErrMaxRetries struct {
	Err      error
	Attempts int
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("backoff: %d attempt(s) failed: %v", e.Attempts, e.Err)
}

func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неповторяемую: Execute выходит сразу.
func Permanent(err error) error { return backoff.Permanent(err) }

// Execute вызывает fn до успеха, отмены ctx, Permanent-ошибки или
// исчерпания бюджета cfg.
func Execute(ctx context.Context, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("backoff: invalid config: %w", err)
	}
	bo := backoff.WithContext(exponential(
		cfg.InitialInterval, cfg.MaxInterval, cfg.MaxElapsedTime,
		cfg.Multiplier, cfg.RandomizationFactor, cfg.MaxAttempts,
	), ctx)

	attempts := 0
	op := func() error {
		attempts++
		if cfg.PerAttemptTimeout <= 0 {
			return fn(ctx)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.PerAttemptTimeout)
		defer cancel()
		return fn(attemptCtx)
	}
	onRetry := func(err error, delay time.Duration) {
		observeRetry(policyExecute, delay)
		log.Warn("back-off retry",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, bo, onRetry); err != nil {
		giveUpsTotal.WithLabelValues(serviceLabel, policyExecute).Inc()
		log.Error("back-off give-up", zap.Int("attempts", attempts), zap.Error(err))
		return &ErrMaxRetries{Err: err, Attempts: attempts}
	}
	if attempts > 1 {
		recoveriesTotal.WithLabelValues(serviceLabel, policyExecute).Inc()
	}
	return nil
}
