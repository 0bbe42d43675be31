// Package supervisor запускает по одному коннектору на каждую учётку.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/common/safe"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/connector"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
)

// ErrDuplicate — две учётки с одинаковой парой (user, exchange).
var ErrDuplicate = errors.New("supervisor: duplicate connector")

// Runner — то, что супервизору нужно от коннектора.
type Runner interface {
	Key() string
	Start(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	Err() error
	Status() connector.Status
}

// Factory строит коннектор для одной учётки.
type Factory func(cred exchange.Credential) (Runner, error)

type Supervisor struct {
	runners []Runner
	log     *logger.Logger
}

// New строит коннекторы для всех учёток. Дубликаты — ошибка конфигурации.
func New(creds []exchange.Credential, build Factory, log *logger.Logger) (*Supervisor, error) {
	s := &Supervisor{log: log.Named("supervisor")}
	seen := make(map[string]struct{}, len(creds))
	for _, cred := range creds {
		key := cred.Key()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
		}
		seen[key] = struct{}{}

		r, err := build(cred)
		if err != nil {
			return nil, fmt.Errorf("supervisor: build %s: %w", key, err)
		}
		s.runners = append(s.runners, r)
	}
	return s, nil
}

// Run запускает все коннекторы параллельно и блокируется до отмены ctx
// (или пока все коннекторы не сдадутся). Падение одного не трогает остальных.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("starting connectors", zap.Int("count", len(s.runners)))
	g := safe.New(ctx, s.log, safe.Isolated())
	for _, r := range s.runners {
		r := r
		g.Go(func(ctx context.Context) error {
			if err := r.Start(ctx); err != nil {
				return fmt.Errorf("%s: %w", r.Key(), err)
			}
			select {
			case <-r.Done():
			case <-ctx.Done():
				r.Stop()
			}
			if err := r.Err(); err != nil {
				return fmt.Errorf("%s: %w", r.Key(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	s.Stop()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop останавливает все коннекторы и ждёт их завершения.
func (s *Supervisor) Stop() {
	for _, r := range s.runners {
		r.Stop()
	}
}

// Statuses — снимки состояний, отсортированные по user/exchange.
func (s *Supervisor) Statuses() []connector.Status {
	out := make([]connector.Status, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].Exchange < out[j].Exchange
	})
	return out
}

// Ready — все коннекторы вышли из Idle и ещё не закрыты.
func (s *Supervisor) Ready() error {
	for _, r := range s.runners {
		switch st := r.Status(); st.State {
		case connector.Idle, connector.Closed:
			return fmt.Errorf("connector %s is %s", r.Key(), st.State)
		}
	}
	return nil
}

func (s *Supervisor) Len() int { return len(s.runners) }
