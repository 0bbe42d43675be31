package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/connector"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
)

// fakeRunner эмулирует коннектор: Start переводит в Listening,
// fail(err) завершает его с ошибкой.
type fakeRunner struct {
	cred exchange.Credential

	mu      sync.Mutex
	state   connector.State
	err     error
	done    chan struct{}
	once    sync.Once
	starts  int
	stops   int
	started chan struct{}
}

func newFakeRunner(cred exchange.Credential) *fakeRunner {
	return &fakeRunner{cred: cred, done: make(chan struct{}), started: make(chan struct{})}
}

func (f *fakeRunner) Key() string { return f.cred.Key() }

func (f *fakeRunner) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.state = connector.Listening
	close(f.started)
	return nil
}

func (f *fakeRunner) finish(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.state = connector.Closed
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *fakeRunner) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.finish(nil)
}

func (f *fakeRunner) Done() <-chan struct{} { return f.done }

func (f *fakeRunner) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeRunner) Status() connector.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return connector.Status{User: f.cred.User, Exchange: f.cred.Exchange, State: f.state}
}

type fleet struct {
	mu      sync.Mutex
	runners map[string]*fakeRunner
}

func (fl *fleet) build(cred exchange.Credential) (Runner, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runners == nil {
		fl.runners = make(map[string]*fakeRunner)
	}
	r := newFakeRunner(cred)
	fl.runners[cred.Key()] = r
	return r, nil
}

func (fl *fleet) get(key string) *fakeRunner {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.runners[key]
}

var creds = []exchange.Credential{
	{User: "bob", Exchange: exchange.KuCoin},
	{User: "alice", Exchange: exchange.KuCoin},
	{User: "alice", Exchange: exchange.Binance},
}

func TestNew_RejectsDuplicates(t *testing.T) {
	fl := &fleet{}
	dup := append(append([]exchange.Credential{}, creds...), exchange.Credential{User: "bob", Exchange: exchange.KuCoin})
	_, err := New(dup, fl.build, logger.NewNop())
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestNew_FactoryError(t *testing.T) {
	boom := errors.New("no adapter")
	_, err := New(creds, func(exchange.Credential) (Runner, error) { return nil, boom }, logger.NewNop())
	assert.ErrorIs(t, err, boom)
}

func TestRun_StartsAllAndStopsOnCancel(t *testing.T) {
	fl := &fleet{}
	s, err := New(creds, fl.build, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	assert.Error(t, s.Ready())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	for _, c := range creds {
		select {
		case <-fl.get(c.Key()).started:
		case <-time.After(time.Second):
			t.Fatalf("%s not started", c.Key())
		}
	}
	assert.NoError(t, s.Ready())

	st := s.Statuses()
	require.Len(t, st, 3)
	assert.Equal(t, "alice", st[0].User)
	assert.Equal(t, exchange.Binance, st[0].Exchange)
	assert.Equal(t, "alice", st[1].User)
	assert.Equal(t, exchange.KuCoin, st[1].Exchange)
	assert.Equal(t, "bob", st[2].User)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	for _, c := range creds {
		r := fl.get(c.Key())
		assert.Equal(t, 1, r.starts)
		assert.GreaterOrEqual(t, r.stops, 1)
	}
}

func TestRun_FailureIsIsolated(t *testing.T) {
	fl := &fleet{}
	s, err := New(creds, fl.build, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	bob := fl.get("bob/kucoin")
	<-bob.started
	<-fl.get("alice/binance").started
	<-fl.get("alice/kucoin").started
	bob.finish(connector.ErrRetriesExhausted)

	// остальные продолжают работать
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, connector.Listening, fl.get("alice/binance").Status().State)
	assert.Error(t, s.Ready())

	// когда все сдались, Run возвращает ошибку
	fl.get("alice/binance").finish(nil)
	fl.get("alice/kucoin").finish(nil)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, connector.ErrRetriesExhausted)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
