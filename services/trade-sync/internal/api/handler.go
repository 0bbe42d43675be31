// Package api — отчётный HTTP API: снимок holdings и состояния коннекторов.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/logger"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/api/response"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/connector"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/holdings"
)

// HoldingsReader — read-only часть holdings.Store.
type HoldingsReader interface {
	ReadAll(ctx context.Context) ([]holdings.Row, error)
}

// StatusProvider — supervisor.Supervisor.
type StatusProvider interface {
	Statuses() []connector.Status
}

type Handler struct {
	store    HoldingsReader
	statuses StatusProvider
	log      *logger.Logger
}

func NewHandler(store HoldingsReader, statuses StatusProvider, log *logger.Logger) *Handler {
	return &Handler{store: store, statuses: statuses, log: log.Named("api")}
}

// Routes монтируется под префиксом API (см. httpserver.Config.APIPrefix).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/holdings", h.Holdings)
	r.Get("/connectors", h.Connectors)
	return r
}

type holdingsResponse struct {
	Rows  []holdings.Row `json:"rows"`
	Count int            `json:"count"`
	// Assets — суммарное количество по активу среди отфильтрованных строк.
	Assets map[string]decimal.Decimal `json:"assets"`
	// USDTotal — сумма оценённых строк; строки без оценки не входят.
	USDTotal decimal.Decimal `json:"usd_total"`
	Unvalued int             `json:"unvalued"`
}

// Holdings — GET /holdings?user=&exchange=
func (h *Handler) Holdings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := strings.TrimSpace(q.Get("user"))
	exch := strings.ToLower(strings.TrimSpace(q.Get("exchange")))
	if len(user) > 128 || len(exch) > 32 {
		response.BadRequest(w, "filter value too long")
		return
	}

	rows, err := h.store.ReadAll(r.Context())
	if err != nil {
		h.log.WithContext(r.Context()).Error("read holdings failed", zap.Error(err))
		response.InternalError(w, "holdings unavailable")
		return
	}

	out := holdingsResponse{Rows: make([]holdings.Row, 0, len(rows)), Assets: make(map[string]decimal.Decimal)}
	for _, row := range rows {
		if user != "" && row.User != user {
			continue
		}
		if exch != "" && row.Exchange != exch {
			continue
		}
		out.Rows = append(out.Rows, row)
		out.Assets[row.Asset] = out.Assets[row.Asset].Add(row.Owned)
		if row.USDValue != nil {
			out.USDTotal = out.USDTotal.Add(*row.USDValue)
		} else {
			out.Unvalued++
		}
	}
	out.Count = len(out.Rows)
	response.JSON(w, out)
}

// Connectors — GET /connectors
func (h *Handler) Connectors(w http.ResponseWriter, _ *http.Request) {
	st := h.statuses.Statuses()
	if st == nil {
		st = []connector.Status{}
	}
	response.JSON(w, map[string]interface{}{"connectors": st})
}
