package safe

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/logger"
)

// Group — аналог errgroup.Group с защитой от panic.
//
// В отличие от errgroup ошибка одной goroutine не отменяет остальные,
// если группа создана с Isolated(): коннекторы разных пользователей
// не должны падать вместе.
type Group struct {
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	ctx      context.Context
	log      *logger.Logger
	isolated bool

	mu       sync.Mutex
	firstErr error
}

// Option настраивает Group.
type Option func(*Group)

// Isolated отключает отмену группы при ошибке или панике одной goroutine.
func Isolated() Option { return func(g *Group) { g.isolated = true } }

// New создает группу с контекстом и логгером.
func New(ctx context.Context, log *logger.Logger, opts ...Option) *Group {
	ctx, cancel := context.WithCancel(ctx)
	g := &Group{
		ctx:    ctx,
		cancel: cancel,
		log:    log.Named("safe"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Go запускает защищённую goroutine.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.recoverPanic()
		if err := fn(g.ctx); err != nil {
			g.log.Error("goroutine error", zap.Error(err))
			g.fail(err)
		}
	}()
}

// Wait блокирует до завершения всех goroutine и возвращает первую ошибку.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.firstErr
}

// Cancel отменяет контекст группы.
func (g *Group) Cancel() { g.cancel() }

// Context возвращает связанный контекст.
func (g *Group) Context() context.Context {
	return g.ctx
}

func (g *Group) fail(err error) {
	g.mu.Lock()
	if g.firstErr == nil {
		g.firstErr = err
	}
	g.mu.Unlock()
	if !g.isolated {
		g.cancel()
	}
}

// recoverPanic ловит панику и логирует её.
func (g *Group) recoverPanic() {
	if r := recover(); r != nil {
		g.log.Error("panic recovered", zap.Any("error", r), zap.Stack("stack"))
		g.fail(fmt.Errorf("safe: panic: %v", r))
	}
}
