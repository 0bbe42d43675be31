// Package kucoin — адаптер приватного websocket и REST API KuCoin Spot.
package kucoin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
)

const (
	DefaultRESTURL = "https://api.kucoin.com"

	codeSuccess = "200000"
	keyVersion  = "2"

	pathBulletPrivate = "/api/v1/bullet-private"
	pathAccounts      = "/api/v1/accounts"
	pathMarketStats   = "/api/v1/market/stats"

	topicTradeOrders = "/spotMarket/tradeOrders"
)

// Adapter реализует exchange.Adapter для одной учётки KuCoin.
type Adapter struct {
	cred exchange.Credential
	rest *resty.Client
	// basePath — путь из rest_url; в подпись идёт путь без него.
	basePath string
	quotes   []string
	now      func() time.Time
	newID    func() string
	log      *logger.Logger
}

var _ exchange.Adapter = (*Adapter)(nil)

// New — exchange.Factory для KuCoin. WS-адрес приходит из bullet-private.
func New(cred exchange.Credential, opts exchange.Options) (exchange.Adapter, error) {
	if cred.APIKey == "" || cred.APISecret == "" || cred.Passphrase == "" {
		return nil, fmt.Errorf("%w: kucoin needs api key, secret and passphrase", exchange.ErrInvalidCredential)
	}
	restURL := opts.RESTURL
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	base, err := url.Parse(restURL)
	if err != nil {
		return nil, fmt.Errorf("kucoin: rest url: %w", err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Adapter{
		cred:     cred,
		rest:     exchange.NewRESTClient(restURL, opts.REST),
		basePath: strings.TrimRight(base.Path, "/"),
		quotes:   opts.Quotes,
		now:      now,
		newID:    uuid.NewString,
		log:      opts.Log.Named("kucoin").With(zap.String("user", cred.User)),
	}
	a.rest.SetPreRequestHook(a.resign)
	return a, nil
}

func (a *Adapter) Name() string { return exchange.KuCoin }

// Sign — base64(HMAC-SHA256(secret, payload)).
func (a *Adapter) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(a.cred.APISecret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Prehash — каноническая строка подписи KuCoin.
// path включает query string, body — сырое тело запроса (или "").
func Prehash(timestamp, method, path, body string) string {
	return timestamp + strings.ToUpper(method) + path + body
}

// signed добавляет заголовки KC-API-* к запросу.
func (a *Adapter) signed(req *resty.Request, method, path, body string) *resty.Request {
	ts := strconv.FormatInt(a.now().UnixMilli(), 10)
	return req.SetHeaders(map[string]string{
		"KC-API-KEY":         a.cred.APIKey,
		"KC-API-SIGN":        a.Sign(Prehash(ts, method, path, body)),
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  a.Sign(a.cred.Passphrase),
		"KC-API-KEY-VERSION": keyVersion,
		"Content-Type":       "application/json",
	})
}

// resign обновляет KC-API-TIMESTAMP и подпись перед каждой попыткой resty,
// иначе повтор после 5xx может выйти за окно в 5 секунд. Подписанные
// запросы адаптера идут без тела.
func (a *Adapter) resign(_ *resty.Client, req *http.Request) error {
	if req.Header.Get("KC-API-SIGN") == "" || req.ContentLength > 0 {
		return nil
	}
	path := strings.TrimPrefix(req.URL.RequestURI(), a.basePath)
	ts := strconv.FormatInt(a.now().UnixMilli(), 10)
	req.Header.Set("KC-API-TIMESTAMP", ts)
	req.Header.Set("KC-API-SIGN", a.Sign(Prehash(ts, req.Method, path, "")))
	return nil
}

// envelope — общий конверт REST-ответов KuCoin.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// call выполняет запрос и проверяет code == "200000".
func (a *Adapter) call(ctx context.Context, method, endpoint, target string, req *resty.Request, out interface{}) error {
	var env envelope
	req.SetResult(&env)
	resp, err := exchange.Do(ctx, a.Name(), method, endpoint, req, target)
	if err != nil {
		return err
	}
	if env.Code != codeSuccess {
		return &exchange.APIError{
			Exchange: a.Name(),
			Endpoint: endpoint,
			Status:   resp.StatusCode(),
			Code:     env.Code,
			Message:  env.Msg,
		}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("kucoin %s: decode data: %w", endpoint, err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

type bulletData struct {
	Token           string `json:"token"`
	InstanceServers []struct {
		Endpoint     string `json:"endpoint"`
		Protocol     string `json:"protocol"`
		Encrypt      bool   `json:"encrypt"`
		PingInterval int64  `json:"pingInterval"`
		PingTimeout  int64  `json:"pingTimeout"`
	} `json:"instanceServers"`
}

type wsFrame struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Topic          string `json:"topic,omitempty"`
	PrivateChannel bool   `json:"privateChannel,omitempty"`
	Response       bool   `json:"response,omitempty"`
}

func (a *Adapter) AcquireSession(ctx context.Context) (*exchange.Session, error) {
	var data bulletData
	req := a.signed(a.rest.R(), http.MethodPost, pathBulletPrivate, "")
	if err := a.call(ctx, http.MethodPost, pathBulletPrivate, pathBulletPrivate, req, &data); err != nil {
		return nil, fmt.Errorf("kucoin: bullet-private: %w", err)
	}
	if data.Token == "" || len(data.InstanceServers) == 0 {
		return nil, fmt.Errorf("kucoin: bullet-private: no token or instance servers")
	}
	srv := data.InstanceServers[0]

	endpoint, err := url.Parse(srv.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("kucoin: bad ws endpoint %q: %w", srv.Endpoint, err)
	}
	q := endpoint.Query()
	q.Set("token", data.Token)
	q.Set("connectId", a.newID())
	endpoint.RawQuery = q.Encode()

	sub, err := json.Marshal(wsFrame{
		ID:             a.newID(),
		Type:           "subscribe",
		Topic:          topicTradeOrders,
		PrivateChannel: true,
		Response:       true,
	})
	if err != nil {
		return nil, err
	}

	return &exchange.Session{
		Token:        data.Token,
		Endpoint:     endpoint.String(),
		PingInterval: time.Duration(srv.PingInterval) * time.Millisecond,
		PingTimeout:  time.Duration(srv.PingTimeout) * time.Millisecond,
		Subscribe:    [][]byte{sub},
		PingFrame: func() []byte {
			b, _ := json.Marshal(wsFrame{ID: a.newID(), Type: "ping"})
			return b
		},
	}, nil
}

// KeepAlive — токен KuCoin живёт столько же, сколько соединение.
func (a *Adapter) KeepAlive(context.Context, *exchange.Session) error { return nil }

// -----------------------------------------------------------------------------
// Stream parsing
// -----------------------------------------------------------------------------

type streamMessage struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type orderChange struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	OrderType  string `json:"orderType"`
	Type       string `json:"type"`
	OrderID    string `json:"orderId"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	FilledSize string `json:"filledSize"`
	RemainSize string `json:"remainSize"`
	MatchPrice string `json:"matchPrice"`
	MatchSize  string `json:"matchSize"`
	// Ts — наносекунды.
	Ts int64 `json:"ts"`
}

// orderChangeMatch — единственный тип изменения ордера, означающий исполнение.
// open, filled, canceled, update приходят без сделки или дублируют match.
const orderChangeMatch = "match"

func (a *Adapter) ParseExecution(raw []byte) (*exchange.ExecutionEvent, error) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, exchange.Malformed("kucoin: %v", err)
	}
	// welcome, ack, pong, error
	if msg.Type != "message" || msg.Topic != topicTradeOrders {
		return nil, nil
	}

	var d orderChange
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return nil, exchange.Malformed("kucoin orderChange: %v", err)
	}
	if d.Type != orderChangeMatch {
		return nil, nil
	}
	if d.Symbol == "" {
		return nil, exchange.Malformed("kucoin orderChange: empty symbol")
	}
	side, err := exchange.ParseSide(d.Side)
	if err != nil {
		return nil, err
	}

	matchPrice, err := parseDecimal("matchPrice", d.MatchPrice)
	if err != nil {
		return nil, err
	}
	orderPrice, err := parseDecimal("price", d.Price)
	if err != nil {
		return nil, err
	}
	size, err := parseDecimal("size", d.Size)
	if err != nil {
		return nil, err
	}
	if size.IsZero() {
		filled, err := parseDecimal("filledSize", d.FilledSize)
		if err != nil {
			return nil, err
		}
		remain, err := parseDecimal("remainSize", d.RemainSize)
		if err != nil {
			return nil, err
		}
		size = filled.Add(remain)
	}

	ev := &exchange.ExecutionEvent{
		Symbol:    strings.ToUpper(d.Symbol),
		Side:      side,
		OrderType: strings.ToUpper(d.OrderType),
		Price:     exchange.PriceOrLast(matchPrice, orderPrice),
		Quantity:  size,
		OrderID:   d.OrderID,
	}
	if d.Ts > 0 {
		ev.ExecutedAt = time.Unix(0, d.Ts).UTC()
	}
	return ev, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, exchange.Malformed("kucoin: field %s=%q: %v", field, s, err)
	}
	return d, nil
}

// -----------------------------------------------------------------------------
// REST lookups
// -----------------------------------------------------------------------------

// FetchBalances суммирует main/trade/margin счета по валюте.
func (a *Adapter) FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var accounts []struct {
		Currency string `json:"currency"`
		Type     string `json:"type"`
		Balance  string `json:"balance"`
	}
	req := a.signed(a.rest.R(), http.MethodGet, pathAccounts, "")
	if err := a.call(ctx, http.MethodGet, pathAccounts, pathAccounts, req, &accounts); err != nil {
		return nil, fmt.Errorf("kucoin: accounts: %w", err)
	}

	balances := make(map[string]decimal.Decimal)
	for _, acc := range accounts {
		bal, err := decimal.NewFromString(acc.Balance)
		if err != nil {
			return nil, fmt.Errorf("kucoin: accounts: %s balance %q: %w", acc.Currency, acc.Balance, err)
		}
		cur := strings.ToUpper(acc.Currency)
		balances[cur] = balances[cur].Add(bal)
	}
	for cur, bal := range balances {
		if !bal.IsPositive() {
			delete(balances, cur)
		}
	}
	return balances, nil
}

// QuoteUSD — 24h averagePrice пары BASE-QUOTE, при отсутствии — last.
func (a *Adapter) QuoteUSD(ctx context.Context, base string) (decimal.Decimal, bool) {
	// котировочную валюту саму через себя не оцениваем
	if exchange.IsQuote(base, a.quotes) {
		return decimal.Zero, false
	}
	base = strings.ToUpper(base)
	for _, q := range a.quotes {
		symbol := base + "-" + strings.ToUpper(q)
		var stats struct {
			AveragePrice *string `json:"averagePrice"`
			Last         *string `json:"last"`
		}
		target := pathMarketStats + "?symbol=" + url.QueryEscape(symbol)
		if err := a.call(ctx, http.MethodGet, pathMarketStats, target, a.rest.R(), &stats); err != nil {
			a.log.Debug("market stats lookup failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		for _, candidate := range []*string{stats.AveragePrice, stats.Last} {
			if candidate == nil {
				continue
			}
			if p, err := decimal.NewFromString(*candidate); err == nil && p.IsPositive() {
				return p, true
			}
		}
		a.log.Debug("market stats without price", zap.String("symbol", symbol))
	}
	return decimal.Zero, false
}

// BaseAsset — символы KuCoin всегда вида BASE-QUOTE.
func (a *Adapter) BaseAsset(_ context.Context, symbol string) string {
	symbol = strings.ToUpper(symbol)
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		return symbol[:i]
	}
	return exchange.StripQuote(symbol, a.quotes)
}
