// Package notify доставляет канонические события сделок потребителю
// (бот, чат, аналитика). Оформление сообщений — забота потребителя.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	commonkafka "github.com/YaganovValera/exchange-sync/common/kafka"
	"github.com/YaganovValera/exchange-sync/common/kafka/producer"
	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/event"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/metrics"
)

var tracer = otel.Tracer("trade-sync/notify")

// Sink получает каждое событие ровно один раз, без повторов.
type Sink interface {
	Notify(ctx context.Context, ev event.TradeEvent) error
}

// SinkFunc адаптирует функцию к Sink.
type SinkFunc func(ctx context.Context, ev event.TradeEvent) error

func (f SinkFunc) Notify(ctx context.Context, ev event.TradeEvent) error { return f(ctx, ev) }

// Config — секция notify.
type Config struct {
	Log   bool        `mapstructure:"log"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig — KafkaSink и его продьюсер.
type KafkaConfig struct {
	Enabled  bool            `mapstructure:"enabled"`
	Topic    string          `mapstructure:"topic"`
	Producer producer.Config `mapstructure:"producer"`
}

func (c *KafkaConfig) ApplyDefaults() {
	if c.Topic == "" {
		c.Topic = "trades.executions"
	}
}

// -----------------------------------------------------------------------------
// LogSink
// -----------------------------------------------------------------------------

// LogSink пишет сделку структурированной строкой лога.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.Named("trades")}
}

func (s *LogSink) Notify(ctx context.Context, ev event.TradeEvent) error {
	fields := []zap.Field{
		zap.String("id", ev.ID.String()),
		zap.String("exchange", ev.Exchange),
		zap.String("user", ev.User),
		zap.String("symbol", ev.Symbol),
		zap.String("side", string(ev.Side)),
		zap.String("order_type", ev.OrderType),
		zap.Stringer("price", ev.Price),
		zap.Stringer("quantity", ev.Quantity),
		zap.Time("executed_at", ev.ExecutedAt),
	}
	if ev.USDValue != nil {
		fields = append(fields, zap.Stringer("usd_value", ev.USDValue))
	}
	s.log.WithContext(ctx).Info("trade executed", fields...)
	return nil
}

// -----------------------------------------------------------------------------
// KafkaSink
// -----------------------------------------------------------------------------

// KafkaSink публикует событие в JSON с ключом user:exchange,
// чтобы сделки одного коннектора попадали в одну партицию.
type KafkaSink struct {
	producer commonkafka.Producer
	topic    string
	log      *logger.Logger
}

func NewKafkaSink(p commonkafka.Producer, topic string, log *logger.Logger) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic, log: log.Named("kafka-sink")}
}

func (s *KafkaSink) Notify(ctx context.Context, ev event.TradeEvent) error {
	ctx, span := tracer.Start(ctx, "KafkaSink.Notify",
		trace.WithAttributes(
			attribute.String("topic", s.topic),
			attribute.String("exchange", ev.Exchange),
			attribute.String("symbol", ev.Symbol),
		))
	defer span.End()

	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.WithContext(ctx).Error("marshal trade failed", zap.Error(err))
		return fmt.Errorf("kafka-sink: marshal: %w", err)
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(ev.Key()), payload); err != nil {
		span.RecordError(err)
		s.log.WithContext(ctx).Error("publish failed", zap.String("topic", s.topic), zap.Error(err))
		return fmt.Errorf("kafka-sink: publish: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Multi
// -----------------------------------------------------------------------------

type namedSink struct {
	name string
	sink Sink
}

// Multi раздаёт событие всем sink'ам. Ошибка одного не мешает остальным.
type Multi struct {
	sinks []namedSink
}

func NewMulti() *Multi { return &Multi{} }

// Add регистрирует sink под именем для метрик.
func (m *Multi) Add(name string, s Sink) *Multi {
	m.sinks = append(m.sinks, namedSink{name: name, sink: s})
	return m
}

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Notify(ctx context.Context, ev event.TradeEvent) error {
	var errs []error
	for _, ns := range m.sinks {
		if err := ns.sink.Notify(ctx, ev); err != nil {
			metrics.NotifyErrors.WithLabelValues(ns.name).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", ns.name, err))
		}
	}
	return errors.Join(errs...)
}
