package producer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/YaganovValera/exchange-sync/common/backoff"
	"github.com/YaganovValera/exchange-sync/common/logger"
)

// Проверяем applyDefaults и validate.
func TestConfigDefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name     string
		input    Config
		wantErr  bool
		wantAcks string
		wantComp string
	}{
		{"empty", Config{}, true, "all", "none"},
		{"noBrokers", Config{Compression: "gzip"}, true, "all", "gzip"},
		{"ok", Config{Brokers: []string{"b1"}}, false, "all", "none"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.input
			cfg.applyDefaults()
			if got := cfg.RequiredAcks; got != c.wantAcks {
				t.Errorf("RequiredAcks = %q; want %q", got, c.wantAcks)
			}
			if got := cfg.Compression; got != c.wantComp {
				t.Errorf("Compression = %q; want %q", got, c.wantComp)
			}
			if cfg.ClientID != "trade-sync" {
				t.Errorf("ClientID = %q; want trade-sync", cfg.ClientID)
			}
			err := cfg.validate()
			if (err != nil) != c.wantErr {
				t.Errorf("validate() error = %v; wantErr=%v", err, c.wantErr)
			}
		})
	}
}

// Проверяем buildSaramaConfig для acks и idempotent-режима.
func TestBuildSaramaConfig_RequiredAcks(t *testing.T) {
	cases := []struct {
		acks           string
		wantErr        bool
		wantAcks       sarama.RequiredAcks
		wantIdempotent bool
	}{
		{"all", false, sarama.WaitForAll, true},
		{"ALL", false, sarama.WaitForAll, true},
		{"leader", false, sarama.WaitForLocal, false},
		{"none", false, sarama.NoResponse, false},
		{"invalid", true, 0, false},
	}
	for _, c := range cases {
		t.Run(c.acks, func(t *testing.T) {
			cfg := Config{RequiredAcks: c.acks, Compression: "none", Brokers: []string{"x"}}
			sc, err := buildSaramaConfig(cfg)
			if c.wantErr {
				if err == nil {
					t.Errorf("buildSaramaConfig(%q) expected error", c.acks)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sc.Producer.RequiredAcks != c.wantAcks {
				t.Errorf("acks = %v; want %v", sc.Producer.RequiredAcks, c.wantAcks)
			}
			if sc.Producer.Idempotent != c.wantIdempotent {
				t.Errorf("Idempotent = %v; want %v", sc.Producer.Idempotent, c.wantIdempotent)
			}
		})
	}
}

// Проверяем buildSaramaConfig для Compression.
func TestBuildSaramaConfig_Compression(t *testing.T) {
	for _, comp := range []string{"none", "gzip", "snappy", "lz4", "zstd", "NONE", "bogus"} {
		t.Run(comp, func(t *testing.T) {
			cfg := Config{RequiredAcks: "all", Compression: comp, Brokers: []string{"x"}}
			_, err := buildSaramaConfig(cfg)
			wantErr := strings.EqualFold(comp, "bogus")
			if (err != nil) != wantErr {
				t.Errorf("buildSaramaConfig comp=%q err = %v; wantErr %v", comp, err, wantErr)
			}
		})
	}
}

// Publish: сначала ошибка брокера, затем успех.
func TestPublish_RetryAndSuccess(t *testing.T) {
	mockProd := mocks.NewSyncProducer(t, sarama.NewConfig())
	defer mockProd.Close()

	mockProd.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	mockProd.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "value" {
			t.Errorf("value = %q; want value", val)
		}
		return nil
	})

	kp := &kafkaProducer{
		prod:       mockProd,
		logger:     logger.NewNop(),
		backoffCfg: backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond, MaxElapsedTime: 50 * time.Millisecond},
	}
	if err := kp.Publish(context.Background(), "topic", []byte("key"), []byte("value")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

// New отрабатывает ошибку валидации до Sarama.
func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{}, logger.NewNop()); err == nil {
		t.Fatal("expected error for empty Config, got nil")
	}
	cfg := Config{Brokers: []string{"dummy"}, RequiredAcks: "invalid"}
	if _, err := New(context.Background(), cfg, logger.NewNop()); err == nil {
		t.Fatal("expected error for invalid RequiredAcks, got nil")
	}
}

// Ошибки, которые повтор не исправит, не ретраятся.
func TestPublish_PermanentErrorNotRetried(t *testing.T) {
	mockProd := mocks.NewSyncProducer(t, sarama.NewConfig())
	defer mockProd.Close()
	mockProd.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)

	kp := &kafkaProducer{
		prod:       mockProd,
		logger:     logger.NewNop(),
		backoffCfg: backoff.Config{InitialInterval: time.Millisecond, MaxAttempts: 5},
	}
	err := kp.Publish(context.Background(), "topic", []byte("alice:binance"), []byte("{}"))
	if !errors.Is(err, sarama.ErrMessageSizeTooLarge) {
		t.Fatalf("expected ErrMessageSizeTooLarge, got %v", err)
	}
}

func TestBuildSaramaConfig_HashPartitionerAndMaxBytes(t *testing.T) {
	sc, err := buildSaramaConfig(Config{RequiredAcks: "leader", Compression: "lz4", MaxMessageBytes: 4096})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.Producer.MaxMessageBytes != 4096 {
		t.Errorf("MaxMessageBytes = %d; want 4096", sc.Producer.MaxMessageBytes)
	}
	if sc.Producer.Partitioner == nil {
		t.Error("Partitioner must be set")
	}
}
