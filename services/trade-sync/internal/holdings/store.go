// Package holdings хранит снимок балансов пользователей по биржам и сверяет
// его с авторитетными данными биржи.
package holdings

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/YaganovValera/exchange-sync/common/logger"
	commonredis "github.com/YaganovValera/exchange-sync/common/redis"
	"github.com/YaganovValera/exchange-sync/services/trade-sync/internal/metrics"
)

// Row — одна строка снимка: сколько актива у пользователя на бирже.
// USDValue — оценка на момент сверки; nil, если котировки не нашлось или
// оценка выключена.
type Row struct {
	User     string           `json:"user"`
	Exchange string           `json:"exchange"`
	Asset    string           `json:"asset"`
	Owned    decimal.Decimal  `json:"owned"`
	USDValue *decimal.Decimal `json:"usd_value"`
}

// Partition — ключ полной замены.
type Partition struct {
	User     string `json:"user"`
	Exchange string `json:"exchange"`
}

func (p Partition) String() string { return p.User + "/" + p.Exchange }

// Store — общий ресурс всех коннекторов. Каждый пишет только свою партицию.
type Store interface {
	// ReplacePartition атомарно заменяет все строки партиции. Повторный вызов
	// с теми же строками ничего не меняет. Строки с Owned <= 0 отбрасываются.
	ReplacePartition(ctx context.Context, p Partition, rows []Row) error
	// ReadAll возвращает снимок, отсортированный по user, exchange, asset.
	ReadAll(ctx context.Context) ([]Row, error)
	Ping(ctx context.Context) error
	Close() error
}

// Драйверы хранилища.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config — секция holdings.
type Config struct {
	Driver   string             `mapstructure:"driver"`
	Postgres PostgresConfig     `mapstructure:"postgres"`
	Redis    commonredis.Config `mapstructure:"redis"`
	// KeyPrefix — префикс ключей Redis.
	KeyPrefix string          `mapstructure:"key_prefix"`
	Valuation ValuationConfig `mapstructure:"valuation"`
}

// ValuationConfig — оценка строк в USD при сверке.
type ValuationConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DustUSD — строки дешевле порога отбрасываются; 0 → оставлять все.
	DustUSD float64 `mapstructure:"dust_usd"`
}

func (c *Config) ApplyDefaults() {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "holdings"
	}
	c.Postgres.ApplyDefaults()
}

func (c Config) Validate() error {
	if c.Valuation.DustUSD < 0 {
		return fmt.Errorf("holdings: valuation.dust_usd must be ≥ 0")
	}
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres:
		return c.Postgres.Validate()
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("holdings: redis.addr is required for redis driver")
		}
		return nil
	default:
		return fmt.Errorf("holdings: unknown driver %q", c.Driver)
	}
}

// Open строит хранилище по cfg.Driver.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Driver {
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.Postgres, log)
	case DriverRedis:
		client, err := commonredis.Connect(ctx, cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, cfg.KeyPrefix, log), nil
	default:
		return NewMemoryStore(), nil
	}
}

// normalizeRows проставляет партицию, отбрасывает нулевые остатки и
// схлопывает дубли активов (последний выигрывает).
func normalizeRows(p Partition, rows []Row) []Row {
	byAsset := make(map[string]Row, len(rows))
	for _, r := range rows {
		asset := strings.ToUpper(strings.TrimSpace(r.Asset))
		if asset == "" {
			continue
		}
		byAsset[asset] = r
	}
	out := make([]Row, 0, len(byAsset))
	for asset, r := range byAsset {
		if !r.Owned.IsPositive() {
			continue
		}
		out = append(out, Row{User: p.User, Exchange: p.Exchange, Asset: asset, Owned: r.Owned, USDValue: r.USDValue})
	}
	sortRows(out)
	return out
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.User != b.User {
			return a.User < b.User
		}
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		return a.Asset < b.Asset
	})
}

func observe(driver, op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(driver, op).Observe(time.Since(start).Seconds())
}

// -----------------------------------------------------------------------------
// MemoryStore
// -----------------------------------------------------------------------------

// MemoryStore — хранилище в памяти процесса.
type MemoryStore struct {
	mu    sync.RWMutex
	parts map[Partition][]Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{parts: make(map[Partition][]Row)}
}

func (s *MemoryStore) ReplacePartition(_ context.Context, p Partition, rows []Row) error {
	defer observe(DriverMemory, "replace", time.Now())
	next := normalizeRows(p, rows)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(next) == 0 {
		delete(s.parts, p)
		return nil
	}
	s.parts[p] = next
	return nil
}

func (s *MemoryStore) ReadAll(context.Context) ([]Row, error) {
	defer observe(DriverMemory, "read_all", time.Now())
	s.mu.RLock()
	out := make([]Row, 0, len(s.parts)*4)
	for _, rows := range s.parts {
		out = append(out, rows...)
	}
	s.mu.RUnlock()
	sortRows(out)
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error                { return nil }
