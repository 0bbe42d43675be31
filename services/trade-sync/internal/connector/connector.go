// Package connector держит один приватный стрим (user, exchange):
// получение сессии, подключение, чтение, переподключение, ротация.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/backoff"
	"github.com/YaganovValera/exchange-sync/common/ctxkeys"
	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/event"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/holdings"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/metrics"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/notify"
)

var tracer = otel.Tracer("trade-sync/connector")

// DefaultRotateEvery — токены KuCoin живут ~24h и не продлеваются.
const DefaultRotateEvery = 24 * time.Hour

// Config — секция connector.
type Config struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	// PingInterval — если сессия не задала свой; 0 → ReadTimeout/3.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// RotateEvery — принудительная смена стрима; 0 → DefaultRotateEvery,
	// < 0 → без ротации.
	RotateEvery time.Duration          `mapstructure:"rotate_every"`
	Reconnect   backoff.ScheduleConfig `mapstructure:"reconnect"`
}

func (c *Config) ApplyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = c.ReadTimeout / 3
	}
	if c.RotateEvery == 0 {
		c.RotateEvery = DefaultRotateEvery
	}
}

func (c Config) Validate() error {
	return c.Reconnect.Validate()
}

// Normalizer — см. normalizer.Normalizer.
type Normalizer interface {
	Normalize(ctx context.Context, a exchange.Adapter, cred exchange.Credential, ev exchange.ExecutionEvent) event.TradeEvent
}

// Refresher — см. holdings.Reconciler.
type Refresher interface {
	Refresh(ctx context.Context, f holdings.BalanceFetcher, user string) error
}

// Deps — коллабораторы одного коннектора.
type Deps struct {
	Credential exchange.Credential
	Adapter    exchange.Adapter
	Normalizer Normalizer
	Sink       notify.Sink
	Reconciler Refresher
	Dialer     Dialer
	Log        *logger.Logger
}

// Option настраивает Connector.
type Option func(*Connector)

// OnTransition вызывается из goroutine коннектора на каждом переходе.
func OnTransition(fn func(Transition)) Option {
	return func(c *Connector) { c.onTransition = fn }
}

// Connector — один стрим. Start/Stop безопасны из любых goroutine,
// обработка сообщений последовательная.
type Connector struct {
	cfg   Config
	deps  Deps
	sched *backoff.Schedule
	log   *logger.Logger

	onTransition func(Transition)

	mu      sync.Mutex
	status  Status
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	conn    Conn
	err     error
}

func New(cfg Config, deps Deps, opts ...Option) (*Connector, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Adapter == nil || deps.Normalizer == nil || deps.Sink == nil {
		return nil, fmt.Errorf("connector: adapter, normalizer and sink are required")
	}
	if deps.Dialer == nil {
		deps.Dialer = GorillaDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}
	sched, err := backoff.NewSchedule(cfg.Reconnect)
	if err != nil {
		return nil, fmt.Errorf("connector: reconnect policy: %w", err)
	}

	c := &Connector{
		cfg:   cfg,
		deps:  deps,
		sched: sched,
		log: deps.Log.Named("connector").With(
			zap.String("user", deps.Credential.User),
			zap.String("exchange", deps.Adapter.Name()),
		),
		status: Status{
			Exchange: deps.Adapter.Name(),
			User:     deps.Credential.User,
			State:    Idle,
			Since:    time.Now().UTC(),
		},
	}
	for _, o := range opts {
		o(c)
	}
	metrics.ConnectorState.WithLabelValues(c.status.Exchange, c.status.User).Set(float64(Idle))
	return c, nil
}

// Key — "user/exchange".
func (c *Connector) Key() string { return c.status.User + "/" + c.status.Exchange }

// Start запускает цикл в отдельной goroutine и сразу возвращается.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.running {
		return ErrAlreadyRunning
	}

	ctx = ctxkeys.WithConnector(ctx, c.status.User, c.status.Exchange)
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Stop закрывает стрим, отменяет текущую работу и ждёт выхода цикла.
// После возврата ни одно сообщение больше не обрабатывается.
func (c *Connector) Stop() {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	cancel, done, conn := c.cancel, c.done, c.conn
	c.mu.Unlock()

	if cancel == nil {
		if !wasClosed {
			c.transition(Closed, ReasonStop)
		}
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Done закрывается, когда цикл завершился (Stop, отмена ctx или исчерпание ретраев).
// До Start возвращает nil.
func (c *Connector) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err — причина завершения цикла; nil при Stop или отмене ctx.
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// -----------------------------------------------------------------------------
// Run loop
// -----------------------------------------------------------------------------

func (c *Connector) run(ctx context.Context, done chan struct{}) {
	closeReason := ReasonStop
	defer func() {
		c.mu.Lock()
		c.running = false
		c.closed = true
		c.conn = nil
		c.mu.Unlock()
		c.transition(Closed, closeReason)
		close(done)
	}()

	c.refresh(ctx)

	for {
		if ctx.Err() != nil {
			return
		}
		reason, err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}

		c.setLastError(err)
		metrics.Reconnects.WithLabelValues(c.status.Exchange, reason).Inc()
		c.transition(Reconnecting, reason, zap.Error(err))

		delay, nerr := c.sched.Next()
		if nerr != nil {
			closeReason = ReasonExhausted
			c.mu.Lock()
			c.err = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.sched.Attempts(), err)
			c.mu.Unlock()
			return
		}
		c.log.Info("reconnect scheduled",
			zap.Duration("delay", delay),
			zap.Uint64("attempt", c.sched.Attempts()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream проживает одно поколение стрима: сессия → dial → подписка → чтение.
// Возвращает причину, по которой стрим закончился.
func (c *Connector) stream(ctx context.Context) (string, error) {
	c.transition(Authenticating, "")
	sess, err := c.deps.Adapter.AcquireSession(ctx)
	if err != nil {
		return ReasonAuthError, err
	}
	c.mu.Lock()
	c.status.SessionToken = sess.Token
	c.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, err := c.deps.Dialer.Dial(dialCtx, sess.Endpoint)
	cancelDial()
	if err != nil {
		return ReasonDialError, err
	}
	if !c.attach(conn) {
		_ = conn.Close()
		return ReasonStop, ctx.Err()
	}
	defer c.detach()

	c.transition(Connected, "")

	var writeMu sync.Mutex
	write := func(frame []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}
	for _, frame := range sess.Subscribe {
		if err := write(frame); err != nil {
			_ = conn.Close()
			return ReasonSubscribeError, err
		}
	}

	readTimeout := c.cfg.ReadTimeout
	if t := sess.PingInterval + sess.PingTimeout; t > readTimeout {
		readTimeout = t
	}
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(readTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error { extend(); return nil })
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.transition(Listening, "")
	c.sched.Reset()

	streamCtx, stopStream := context.WithCancel(ctx)
	var (
		wg      sync.WaitGroup
		rotated atomic.Bool
	)

	// watcher: единственный, кто рвёт соединение по отмене или ротации,
	// чтобы разблокировать ReadMessage
	wg.Add(1)
	go func() {
		defer wg.Done()
		var rotate <-chan time.Time
		if c.cfg.RotateEvery > 0 {
			t := time.NewTimer(c.cfg.RotateEvery)
			defer t.Stop()
			rotate = t.C
		}
		select {
		case <-streamCtx.Done():
		case <-rotate:
			rotated.Store(true)
			c.log.Info("rotating stream", zap.Duration("after", c.cfg.RotateEvery))
		}
		_ = conn.Close()
	}()

	if sess.KeepAliveEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.keepAlive(streamCtx, sess)
		}()
	}

	pingEvery := sess.PingInterval
	if pingEvery <= 0 {
		pingEvery = c.cfg.PingInterval
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.ping(streamCtx, conn, sess, pingEvery, write)
	}()

	var (
		reason  = ReasonReadError
		readErr error
	)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			if rotated.Load() {
				reason, readErr = ReasonRotation, nil
			}
			break
		}
		extend()
		if expired := c.handle(ctx, data); expired {
			reason, readErr = ReasonSessionExpired, exchange.ErrSessionExpired
			break
		}
	}

	stopStream()
	_ = conn.Close()
	wg.Wait()

	if ctx.Err() != nil {
		return ReasonStop, ctx.Err()
	}
	return reason, readErr
}

func (c *Connector) keepAlive(ctx context.Context, sess *exchange.Session) {
	t := time.NewTicker(sess.KeepAliveEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.deps.Adapter.KeepAlive(ctx, sess); err != nil && ctx.Err() == nil {
				metrics.KeepAliveErrors.WithLabelValues(c.status.Exchange).Inc()
				c.log.Warn("session keep-alive failed", zap.Error(err))
			}
		}
	}
}

func (c *Connector) ping(ctx context.Context, conn Conn, sess *exchange.Session, every time.Duration, write func([]byte) error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			var err error
			if sess.PingFrame != nil {
				err = write(sess.PingFrame())
			} else {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			}
			if err != nil && ctx.Err() == nil {
				c.log.Warn("ws: ping failed", zap.Error(err))
			}
		}
	}
}

// handle — разбор → нормализация → уведомление → сверка. true, если биржа
// объявила сессию истёкшей.
func (c *Connector) handle(ctx context.Context, data []byte) bool {
	exch := c.status.Exchange
	metrics.MessagesTotal.WithLabelValues(exch).Inc()

	ev, err := c.deps.Adapter.ParseExecution(data)
	switch {
	case errors.Is(err, exchange.ErrSessionExpired):
		c.log.Warn("session expired by exchange")
		return true
	case err != nil:
		metrics.ParseErrors.WithLabelValues(exch).Inc()
		c.log.Warn("malformed message dropped", zap.Error(err), zap.ByteString("payload", truncate(data, 512)))
		return false
	case ev == nil:
		return false
	}

	ctx, span := tracer.Start(ctx, "HandleExecution",
		trace.WithAttributes(
			attribute.String("exchange", exch),
			attribute.String("symbol", ev.Symbol),
			attribute.String("side", string(ev.Side)),
		))
	defer span.End()

	trade := c.deps.Normalizer.Normalize(ctx, c.deps.Adapter, c.deps.Credential, *ev)
	metrics.TradeEvents.WithLabelValues(exch, string(trade.Side)).Inc()
	if err := c.deps.Sink.Notify(ctx, trade); err != nil {
		span.RecordError(err)
		c.log.Warn("trade notification failed", zap.String("symbol", trade.Symbol), zap.Error(err))
	}
	c.refresh(ctx)
	return false
}

func (c *Connector) refresh(ctx context.Context) {
	if c.deps.Reconciler == nil {
		return
	}
	// ошибки уже залогированы сверкой; следующий триггер повторит попытку
	_ = c.deps.Reconciler.Refresh(ctx, c.deps.Adapter, c.deps.Credential.User)
}

// -----------------------------------------------------------------------------
// State helpers
// -----------------------------------------------------------------------------

// attach публикует живое соединение для Stop; false, если Stop уже был.
func (c *Connector) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	return true
}

func (c *Connector) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Connector) setLastError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.status.LastError = err.Error()
	}
}

func (c *Connector) transition(to State, reason string, fields ...zap.Field) {
	now := time.Now().UTC()
	c.mu.Lock()
	from := c.status.State
	if from == to {
		c.mu.Unlock()
		return
	}
	c.status.State = to
	c.status.Since = now
	if to == Connected {
		c.status.Generation++
	}
	gen := c.status.Generation
	hook := c.onTransition
	c.mu.Unlock()

	metrics.ConnectorState.WithLabelValues(c.status.Exchange, c.status.User).Set(float64(to))
	fields = append(fields,
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Uint64("generation", gen))
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	c.log.Info("state transition", fields...)
	if hook != nil {
		hook(Transition{From: from, To: to, Reason: reason, At: now})
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
