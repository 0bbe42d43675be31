// common/kafka/producer/producer.go
//
// Синхронный продьюсер Sarama с ретраями, метриками и трейсингом.
// Сообщения с одинаковым ключом попадают в одну партицию (hash), поэтому
// события одной пары user:exchange читаются потребителем по порядку.
package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/backoff"
	commonkafka "github.com/YaganovValera/exchange-sync/common/kafka"
	"github.com/YaganovValera/exchange-sync/common/logger"
)

var serviceLabel = "unknown"

// SetServiceLabel вызывается из common.InitServiceName один раз при старте.
func SetServiceLabel(name string) { serviceLabel = name }

const (
	opConnect = "connect"
	opPublish = "publish"
	opPing    = "ping"

	resultOK    = "ok"
	resultError = "error"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "common", Subsystem: "kafka_producer", Name: "operations_total",
		Help: "Kafka producer operations by kind and result",
	}, []string{"service", "op", "result"})

	publishLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "common", Subsystem: "kafka_producer", Name: "publish_latency_seconds",
		Help:    "Publish latency including retries (seconds)",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "topic"})
)

func countOp(op string, err error) {
	result := resultOK
	if err != nil {
		result = resultError
	}
	opsTotal.WithLabelValues(serviceLabel, op, result).Inc()
}

var tracer = otel.Tracer("kafka-producer")

// Config — настройки синхронного продьюсера. Нули заменяются дефолтами.
type Config struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
	// RequiredAcks: "all" (дефолт) | "leader" | "none".
	RequiredAcks string        `mapstructure:"acks"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// Compression: "none" (дефолт) | "gzip" | "snappy" | "lz4" | "zstd".
	Compression string `mapstructure:"compression"`
	// FlushFrequency/FlushMessages — 0 → не используются.
	FlushFrequency time.Duration `mapstructure:"flush_frequency"`
	FlushMessages  int           `mapstructure:"flush_messages"`
	// MaxMessageBytes — 0 → дефолт Sarama (1MB).
	MaxMessageBytes int            `mapstructure:"max_message_bytes"`
	Backoff         backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.ClientID == "" {
		c.ClientID = "trade-sync"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka producer: brokers required")
	}
	if c.MaxMessageBytes < 0 {
		return fmt.Errorf("kafka producer: max_message_bytes must be ≥ 0")
	}
	return nil
}

var acksByName = map[string]sarama.RequiredAcks{
	"all":    sarama.WaitForAll,
	"leader": sarama.WaitForLocal,
	"none":   sarama.NoResponse,
}

var codecByName = map[string]sarama.CompressionCodec{
	"none":   sarama.CompressionNone,
	"gzip":   sarama.CompressionGZIP,
	"snappy": sarama.CompressionSnappy,
	"lz4":    sarama.CompressionLZ4,
	"zstd":   sarama.CompressionZSTD,
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	acks, ok := acksByName[strings.ToLower(c.RequiredAcks)]
	if !ok {
		return nil, fmt.Errorf("kafka producer: invalid RequiredAcks %q", c.RequiredAcks)
	}
	codec, ok := codecByName[strings.ToLower(c.Compression)]
	if !ok {
		return nil, fmt.Errorf("kafka producer: invalid Compression %q", c.Compression)
	}

	sc := sarama.NewConfig()
	sc.ClientID = c.ClientID
	sc.Producer.RequiredAcks = acks
	sc.Producer.Compression = codec
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	// idempotent-режим Sarama допускает только acks=all
	if acks == sarama.WaitForAll {
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	}
	if c.FlushFrequency > 0 {
		sc.Producer.Flush.Frequency = c.FlushFrequency
	}
	if c.FlushMessages > 0 {
		sc.Producer.Flush.Messages = c.FlushMessages
	}
	if c.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = c.MaxMessageBytes
	}
	return sc, nil
}

type kafkaProducer struct {
	prod       sarama.SyncProducer
	client     sarama.Client
	logger     *logger.Logger
	backoffCfg backoff.Config
}

// New создаёт SyncProducer; подключение повторяется по cfg.Backoff.
func New(ctx context.Context, cfg Config, log *logger.Logger) (commonkafka.Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-producer")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	defer span.End()

	var (
		client   sarama.Client
		syncProd sarama.SyncProducer
	)
	connect := func(context.Context) error {
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err == nil {
			syncProd, err = sarama.NewSyncProducerFromClient(c)
			if err != nil {
				_ = c.Close()
			} else {
				client = c
			}
		}
		countOp(opConnect, err)
		return err
	}
	if err := backoff.Execute(ctx, cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		log.Error("kafka producer connect failed", zap.Error(err))
		return nil, fmt.Errorf("kafka producer: connect: %w", err)
	}

	log.Info("kafka producer ready", zap.Strings("brokers", cfg.Brokers))
	return &kafkaProducer{
		prod:       otelsarama.WrapSyncProducer(sc, syncProd),
		client:     client,
		logger:     log,
		backoffCfg: cfg.Backoff,
	}, nil
}

// permanent — ошибки брокера, которые повтор не исправит.
func permanent(err error) bool {
	return errors.Is(err, sarama.ErrMessageSizeTooLarge) ||
		errors.Is(err, sarama.ErrInvalidMessage) ||
		errors.Is(err, sarama.ErrTopicAuthorizationFailed)
}

// Publish отправляет одно сообщение; транзиентные ошибки повторяются.
func (k *kafkaProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("key", string(key)),
	))
	defer span.End()
	start := time.Now()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	send := func(context.Context) error {
		_, _, err := k.prod.SendMessage(msg)
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Execute(ctx, k.backoffCfg, k.logger, send)
	publishLatency.WithLabelValues(serviceLabel, topic).Observe(time.Since(start).Seconds())
	countOp(opPublish, err)
	if err != nil {
		span.RecordError(err)
		k.logger.WithContext(ctx).Error("publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	k.logger.WithContext(ctx).Debug("published", zap.String("topic", topic), zap.ByteString("key", key))
	return nil
}

// Ping обновляет метаданные кластера.
func (k *kafkaProducer) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Ping")
	defer span.End()
	err := k.client.RefreshMetadata()
	countOp(opPing, err)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Close закрывает продьюсер, затем клиент.
func (k *kafkaProducer) Close() error {
	if err := k.prod.Close(); err != nil {
		k.logger.Error("producer close failed", zap.Error(err))
		return err
	}
	if k.client != nil && !k.client.Closed() {
		if err := k.client.Close(); err != nil {
			k.logger.Error("client close failed", zap.Error(err))
			return err
		}
	}
	k.logger.Info("kafka producer closed")
	return nil
}
