package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/connector"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/holdings"
)

type stubStore struct {
	rows []holdings.Row
	err  error
}

func (s stubStore) ReadAll(context.Context) ([]holdings.Row, error) { return s.rows, s.err }

type stubStatuses []connector.Status

func (s stubStatuses) Statuses() []connector.Status { return s }

func newTestHandler(store HoldingsReader, st StatusProvider) http.Handler {
	return NewHandler(store, st, logger.NewNop()).Routes()
}

func usd(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func rows() []holdings.Row {
	return []holdings.Row{
		{User: "alice", Exchange: "binance", Asset: "BTC", Owned: decimal.RequireFromString("0.5"), USDValue: usd("21000.06")},
		{User: "alice", Exchange: "binance", Asset: "USDT", Owned: decimal.RequireFromString("100"), USDValue: usd("100")},
		{User: "alice", Exchange: "kucoin", Asset: "BTC", Owned: decimal.RequireFromString("0.25")},
		{User: "bob", Exchange: "kucoin", Asset: "ETH", Owned: decimal.RequireFromString("3")},
	}
}

type holdingsBody struct {
	Rows     []holdings.Row             `json:"rows"`
	Count    int                        `json:"count"`
	Assets   map[string]decimal.Decimal `json:"assets"`
	USDTotal decimal.Decimal            `json:"usd_total"`
	Unvalued int                        `json:"unvalued"`
}

func getHoldings(t *testing.T, h http.Handler, query string) (*httptest.ResponseRecorder, holdingsBody) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/holdings"+query, nil))
	var body holdingsBody
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHoldings_All(t *testing.T) {
	h := newTestHandler(stubStore{rows: rows()}, stubStatuses(nil))
	rec, body := getHoldings(t, h, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, 4, body.Count)
	assert.True(t, body.Assets["BTC"].Equal(decimal.RequireFromString("0.75")))
	assert.True(t, body.USDTotal.Equal(decimal.RequireFromString("21100.06")))
	assert.Equal(t, 2, body.Unvalued)
	require.NotNil(t, body.Rows[0].USDValue)
	assert.Nil(t, body.Rows[3].USDValue)
}

func TestHoldings_Filters(t *testing.T) {
	h := newTestHandler(stubStore{rows: rows()}, stubStatuses(nil))

	_, body := getHoldings(t, h, "?user=alice")
	assert.Equal(t, 3, body.Count)

	_, body = getHoldings(t, h, "?user=alice&exchange=KuCoin")
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "BTC", body.Rows[0].Asset)
	assert.True(t, body.Assets["BTC"].Equal(decimal.RequireFromString("0.25")))

	_, body = getHoldings(t, h, "?user=carol")
	assert.Equal(t, 0, body.Count)
	assert.NotNil(t, body.Rows)
}

func TestHoldings_StoreError(t *testing.T) {
	h := newTestHandler(stubStore{err: errors.New("conn refused")}, stubStatuses(nil))
	rec, _ := getHoldings(t, h, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":500`)
	assert.NotContains(t, rec.Body.String(), "conn refused")
}

func TestHoldings_TooLongFilter(t *testing.T) {
	h := newTestHandler(stubStore{rows: rows()}, stubStatuses(nil))
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	rec, _ := getHoldings(t, h, "?user="+string(long))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectors(t *testing.T) {
	st := stubStatuses{{
		Exchange: "binance", User: "alice", State: connector.Listening,
		Generation: 2, SessionToken: "secret-listen-key",
	}}
	h := newTestHandler(stubStore{}, st)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connectors", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"listening"`)
	assert.Contains(t, rec.Body.String(), `"generation":2`)
	assert.NotContains(t, rec.Body.String(), "secret-listen-key")
}

func TestConnectors_Empty(t *testing.T) {
	h := newTestHandler(stubStore{}, stubStatuses(nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connectors", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connectors":[]}`, rec.Body.String())
}
