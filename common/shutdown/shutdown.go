package shutdown

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/logger"
)

// GracefulShutdown выполняет shutdown-функцию с таймаутом.
// Используется для Close() хранилищ, продьюсера и Shutdown() трейсера.
func GracefulShutdown(name string, timeout time.Duration, fn func(ctx context.Context) error, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Info("shutdown: stopping " + name)
	if err := fn(ctx); err != nil {
		log.Error("shutdown: error in "+name, zap.Error(err))
	} else {
		log.Info("shutdown: " + name + " stopped cleanly")
	}
}

// Closer адаптирует Close() error к сигнатуре GracefulShutdown.
func Closer(fn func() error) func(context.Context) error {
	return func(context.Context) error { return fn() }
}
