// Package binance — адаптер user data stream и REST API Binance Spot.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/exchange"
)

const (
	DefaultRESTURL = "https://api.binance.com"
	DefaultWSURL   = "wss://stream.binance.com:9443/ws"

	// listenKey живёт 60 минут, Binance просит продлевать каждые 30.
	keepAliveEvery = 30 * time.Minute

	pathUserDataStream = "/api/v3/userDataStream"
	pathAccount        = "/api/v3/account"
	pathExchangeInfo   = "/api/v3/exchangeInfo"
	pathAvgPrice       = "/api/v3/avgPrice"

	headerAPIKey = "X-MBX-APIKEY"
)

// Adapter реализует exchange.Adapter для одной учётки Binance.
type Adapter struct {
	cred       exchange.Credential
	rest       *resty.Client
	wsURL      string
	recvWindow time.Duration
	quotes     []string
	now        func() time.Time
	log        *logger.Logger

	mu        sync.RWMutex
	baseCache map[string]string
}

var _ exchange.Adapter = (*Adapter)(nil)

// New — exchange.Factory для Binance.
func New(cred exchange.Credential, opts exchange.Options) (exchange.Adapter, error) {
	if cred.APIKey == "" || cred.APISecret == "" {
		return nil, fmt.Errorf("%w: binance needs api key and secret", exchange.ErrInvalidCredential)
	}
	restURL := opts.RESTURL
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	wsURL := opts.WSURL
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Adapter{
		cred:       cred,
		rest:       exchange.NewRESTClient(restURL, opts.REST),
		wsURL:      strings.TrimRight(wsURL, "/"),
		recvWindow: opts.RecvWindow,
		quotes:     opts.Quotes,
		now:        now,
		log:        opts.Log.Named("binance").With(zap.String("user", cred.User)),
		baseCache:  make(map[string]string),
	}
	a.rest.SetPreRequestHook(a.resign)
	return a, nil
}

func (a *Adapter) Name() string { return exchange.Binance }

// Sign — hex(HMAC-SHA256(secret, payload)).
func (a *Adapter) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(a.cred.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// param — пара запроса; порядок объявления сохраняется в подписи.
type param struct{ key, value string }

// signedQuery строит "k=v&...&timestamp=ms&signature=hex".
func (a *Adapter) signedQuery(params ...param) string {
	if a.recvWindow > 0 {
		params = append(params, param{"recvWindow", strconv.FormatInt(a.recvWindow.Milliseconds(), 10)})
	}
	params = append(params, param{"timestamp", strconv.FormatInt(a.now().UnixMilli(), 10)})
	q := encode(params)
	return q + "&signature=" + a.Sign(q)
}

// resign пересчитывает timestamp и подпись перед каждой попыткой: resty
// повторяет 5xx с тем же URL, а устаревший timestamp Binance отвергает
// по recvWindow.
func (a *Adapter) resign(_ *resty.Client, req *http.Request) error {
	raw := req.URL.RawQuery
	if !strings.Contains(raw, "signature=") {
		return nil
	}
	var params []param
	for _, kv := range strings.Split(raw, "&") {
		k, v, _ := strings.Cut(kv, "=")
		switch k {
		case "recvWindow", "timestamp", "signature":
			continue
		}
		key, err := url.QueryUnescape(k)
		if err != nil {
			return fmt.Errorf("binance: resign %s: %w", req.URL.Path, err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return fmt.Errorf("binance: resign %s: %w", req.URL.Path, err)
		}
		params = append(params, param{key, value})
	}
	req.URL.RawQuery = a.signedQuery(params...)
	return nil
}

func encode(params []param) string {
	var sb strings.Builder
	for i, p := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.value))
	}
	return sb.String()
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

func (a *Adapter) AcquireSession(ctx context.Context) (*exchange.Session, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	req := a.rest.R().SetHeader(headerAPIKey, a.cred.APIKey).SetResult(&out)
	if _, err := exchange.Do(ctx, a.Name(), http.MethodPost, pathUserDataStream, req, pathUserDataStream); err != nil {
		return nil, fmt.Errorf("binance: create listen key: %w", err)
	}
	if out.ListenKey == "" {
		return nil, fmt.Errorf("binance: create listen key: empty listenKey")
	}
	return &exchange.Session{
		Token:          out.ListenKey,
		Endpoint:       a.wsURL + "/" + out.ListenKey,
		KeepAliveEvery: keepAliveEvery,
	}, nil
}

// KeepAlive продлевает listenKey ещё на 60 минут.
func (a *Adapter) KeepAlive(ctx context.Context, s *exchange.Session) error {
	req := a.rest.R().
		SetHeader(headerAPIKey, a.cred.APIKey).
		SetQueryParam("listenKey", s.Token)
	if _, err := exchange.Do(ctx, a.Name(), http.MethodPut, pathUserDataStream, req, pathUserDataStream); err != nil {
		return fmt.Errorf("binance: keepalive listen key: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Stream parsing
// -----------------------------------------------------------------------------

const (
	eventExecutionReport  = "executionReport"
	eventListenKeyExpired = "listenKeyExpired"
	execTypeTrade         = "TRADE"
)

// payload — сообщение стрима с точным сравнением ключей.
// encoding/json сопоставляет ключи без учёта регистра, а Binance использует
// пары e/E, s/S, l/L и т.д. с разным смыслом, поэтому в структуру не декодируем.
type payload map[string]json.RawMessage

func (p payload) str(key string) (string, error) {
	raw, ok := p[key]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", exchange.Malformed("binance: field %s: %v", key, err)
	}
	return s, nil
}

func (p payload) int(key string) (int64, error) {
	raw, ok := p[key]
	if !ok || string(raw) == "null" {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, exchange.Malformed("binance: field %s: %v", key, err)
	}
	return n, nil
}

func (p payload) decimal(key string) (decimal.Decimal, error) {
	s, err := p.str(key)
	if err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(key, s)
}

func (a *Adapter) ParseExecution(raw []byte) (*exchange.ExecutionEvent, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, exchange.Malformed("binance: %v", err)
	}
	event, err := p.str("e")
	if err != nil {
		return nil, err
	}
	switch event {
	case eventListenKeyExpired:
		return nil, exchange.ErrSessionExpired
	case eventExecutionReport:
	default:
		// outboundAccountPosition, balanceUpdate, ответы на команды и т.п.
		return nil, nil
	}

	// NEW, CANCELED, REJECTED, EXPIRED — не исполнения
	execType, err := p.str("x")
	if err != nil {
		return nil, err
	}
	if execType != execTypeTrade {
		return nil, nil
	}

	symbol, err := p.str("s")
	if err != nil {
		return nil, err
	}
	if symbol == "" {
		return nil, exchange.Malformed("binance executionReport: empty symbol")
	}
	rawSide, err := p.str("S")
	if err != nil {
		return nil, err
	}
	side, err := exchange.ParseSide(rawSide)
	if err != nil {
		return nil, err
	}
	orderType, err := p.str("o")
	if err != nil {
		return nil, err
	}
	price, err := p.decimal("p")
	if err != nil {
		return nil, err
	}
	last, err := p.decimal("L")
	if err != nil {
		return nil, err
	}
	qty, err := p.decimal("q")
	if err != nil {
		return nil, err
	}
	orderID, err := p.int("i")
	if err != nil {
		return nil, err
	}
	tradeTime, err := p.int("T")
	if err != nil {
		return nil, err
	}

	ev := &exchange.ExecutionEvent{
		Symbol:    strings.ToUpper(symbol),
		Side:      side,
		OrderType: strings.ToUpper(orderType),
		Price:     exchange.PriceOrLast(price, last),
		Quantity:  qty,
		OrderID:   strconv.FormatInt(orderID, 10),
	}
	if tradeTime > 0 {
		ev.ExecutedAt = time.UnixMilli(tradeTime).UTC()
	}
	return ev, nil
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, exchange.Malformed("binance: field %s=%q: %v", field, s, err)
	}
	return d, nil
}

// -----------------------------------------------------------------------------
// REST lookups
// -----------------------------------------------------------------------------

func (a *Adapter) FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var out struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	// query передаётся сырой строкой: resty сортирует QueryParam, а подпись
	// зависит от порядка параметров
	signed := pathAccount + "?" + a.signedQuery(param{"omitZeroBalances", "true"})
	req := a.rest.R().SetHeader(headerAPIKey, a.cred.APIKey).SetResult(&out)
	if _, err := exchange.Do(ctx, a.Name(), http.MethodGet, pathAccount, req, signed); err != nil {
		return nil, fmt.Errorf("binance: account: %w", err)
	}

	balances := make(map[string]decimal.Decimal, len(out.Balances))
	for _, b := range out.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			return nil, fmt.Errorf("binance: account: asset %s free %q: %w", b.Asset, b.Free, err)
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			return nil, fmt.Errorf("binance: account: asset %s locked %q: %w", b.Asset, b.Locked, err)
		}
		if total := free.Add(locked); total.IsPositive() {
			balances[strings.ToUpper(b.Asset)] = balances[strings.ToUpper(b.Asset)].Add(total)
		}
	}
	return balances, nil
}

// QuoteUSD — средняя цена base/quote за 5 минут, первая удачная котировка.
func (a *Adapter) QuoteUSD(ctx context.Context, base string) (decimal.Decimal, bool) {
	// котировочную валюту саму через себя не оцениваем
	if exchange.IsQuote(base, a.quotes) {
		return decimal.Zero, false
	}
	base = strings.ToUpper(base)
	for _, q := range a.quotes {
		var out struct {
			Price string `json:"price"`
		}
		symbol := base + strings.ToUpper(q)
		req := a.rest.R().SetQueryParam("symbol", symbol).SetResult(&out)
		if _, err := exchange.Do(ctx, a.Name(), http.MethodGet, pathAvgPrice, req, pathAvgPrice); err != nil {
			a.log.Debug("avg price lookup failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		price, err := decimal.NewFromString(out.Price)
		if err != nil || !price.IsPositive() {
			a.log.Debug("avg price unusable", zap.String("symbol", symbol), zap.String("price", out.Price))
			continue
		}
		return price, true
	}
	return decimal.Zero, false
}

// BaseAsset спрашивает exchangeInfo и кэширует ответ; при ошибке отрезает
// известный котировочный суффикс.
func (a *Adapter) BaseAsset(ctx context.Context, symbol string) string {
	symbol = strings.ToUpper(symbol)
	a.mu.RLock()
	base, ok := a.baseCache[symbol]
	a.mu.RUnlock()
	if ok {
		return base
	}

	var out struct {
		Symbols []struct {
			Symbol    string `json:"symbol"`
			BaseAsset string `json:"baseAsset"`
		} `json:"symbols"`
	}
	req := a.rest.R().SetQueryParam("symbol", symbol).SetResult(&out)
	if _, err := exchange.Do(ctx, a.Name(), http.MethodGet, pathExchangeInfo, req, pathExchangeInfo); err != nil {
		a.log.Warn("exchangeInfo lookup failed, guessing base asset", zap.String("symbol", symbol), zap.Error(err))
		return exchange.StripQuote(symbol, a.quotes)
	}
	for _, s := range out.Symbols {
		if strings.EqualFold(s.Symbol, symbol) && s.BaseAsset != "" {
			base = strings.ToUpper(s.BaseAsset)
			a.mu.Lock()
			a.baseCache[symbol] = base
			a.mu.Unlock()
			return base
		}
	}
	return exchange.StripQuote(symbol, a.quotes)
}
