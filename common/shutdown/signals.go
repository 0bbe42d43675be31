package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext возвращает контекст, отменяемый по SIGINT/SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
