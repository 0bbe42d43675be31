// common/redis/config.go
package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/backoff"
	"github.com/YaganovValera/exchange-sync/common/logger"
)

// Config — параметры подключения к Redis.
type Config struct {
	Addr     string         `mapstructure:"addr"`
	Password string         `mapstructure:"password" yaml:"-"`
	DB       int            `mapstructure:"db"`
	Backoff  backoff.Config `mapstructure:"backoff"`
}

func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis: addr is required")
	}
	return nil
}

// Connect создаёт клиента и ждёт PING с ретраями.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*goredis.Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := backoff.Execute(ctx, cfg.Backoff, log, ping); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	log.Info("redis: connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return client, nil
}
