package exchange

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/YaganovValera/exchange-sync/common/logger"
)

// Options — то, что адаптеру нужно кроме учётки.
type Options struct {
	RESTURL    string
	WSURL      string
	RecvWindow time.Duration
	Quotes     []string
	REST       RESTConfig
	Log        *logger.Logger
	// Now — источник времени для подписи (в тестах фиксированный).
	Now func() time.Time
}

// Factory строит адаптер для одной учётки.
type Factory func(cred Credential, opts Options) (Adapter, error)

// Registry выбирает фабрику адаптера по идентификатору биржи.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	options   map[string]Options
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		options:   make(map[string]Options),
	}
}

// Register добавляет биржу с её настройками.
func (r *Registry) Register(name string, f Factory, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	r.options[name] = opts
}

// New строит адаптер по cred.Exchange.
func (r *Registry) New(cred Credential) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[cred.Exchange]
	opts := r.options[cred.Exchange]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExchange, cred.Exchange)
	}
	if len(opts.Quotes) == 0 {
		opts.Quotes = DefaultQuotes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logger.NewNop()
	}
	return f(cred, opts)
}

// Names — зарегистрированные биржи в алфавитном порядке.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
