package backoff

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrScheduleExhausted возвращается Schedule.Next, когда исчерпан MaxRetries.
var ErrScheduleExhausted = errors.New("backoff: reconnect schedule exhausted")

// ScheduleConfig описывает паузу перед каждой попыткой переподключения.
//
// Нулевые значения дают фиксированную паузу в 60s без jitter и без потолка
// числа попыток (бесконечный retry).
type ScheduleConfig struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	// MaxRetries — 0 → без ограничения.
	MaxRetries uint64 `mapstructure:"max_retries"`
}

func (c *ScheduleConfig) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 60 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 1
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
}

// Validate проверяет диапазоны (вызывается и из конфига сервиса).
func (c ScheduleConfig) Validate() error {
	return checkShape(c.RandomizationFactor, c.Multiplier)
}

// Schedule — состояние политики переподключения одного коннектора.
// Не потокобезопасен: им владеет одна goroutine.
type Schedule struct {
	bo       backoff.BackOff
	attempts uint64
}

// NewSchedule: при Multiplier == 1 и нулевом jitter паузы постоянные.
func NewSchedule(cfg ScheduleConfig) (*Schedule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	var attempts uint64
	if cfg.MaxRetries > 0 {
		// exponential считает попытки, а здесь потолок на число пауз
		attempts = cfg.MaxRetries + 1
	}
	bo := exponential(cfg.InitialInterval, cfg.MaxInterval, 0, cfg.Multiplier, cfg.RandomizationFactor, attempts)
	return &Schedule{bo: bo}, nil
}

// Next возвращает паузу перед следующей попыткой.
func (s *Schedule) Next() (time.Duration, error) {
	d := s.bo.NextBackOff()
	if d == backoff.Stop {
		giveUpsTotal.WithLabelValues(serviceLabel, policySchedule).Inc()
		return 0, ErrScheduleExhausted
	}
	s.attempts++
	observeRetry(policySchedule, d)
	return d, nil
}

// Attempts — число попыток с последнего Reset.
func (s *Schedule) Attempts() uint64 { return s.attempts }

// Reset сбрасывает политику после успешного подключения.
func (s *Schedule) Reset() {
	if s.attempts > 0 {
		recoveriesTotal.WithLabelValues(serviceLabel, policySchedule).Inc()
	}
	s.attempts = 0
	s.bo.Reset()
}
