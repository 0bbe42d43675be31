package holdings

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

var tracer = otel.Tracer("trade-sync/holdings")

// PostgresConfig — подключение к Postgres.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"-"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	// SkipMigrations — схема управляется снаружи.
	SkipMigrations bool `mapstructure:"skip_migrations"`
}

func (c *PostgresConfig) ApplyDefaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

func (c PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("holdings: postgres.dsn is required for postgres driver")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("holdings: postgres.min_conns > max_conns")
	}
	return nil
}

// PostgresStore хранит снимок в таблице holdings.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewPostgresStore применяет миграции, поднимает пул и проверяет связь.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, log *logger.Logger) (*PostgresStore, error) {
	log = log.Named("holdings-postgres")

	if !cfg.SkipMigrations {
		if err := migrate(cfg.DSN); err != nil {
			return nil, err
		}
		log.Info("postgres: migrations applied")
	}

	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("holdings postgres: parse dsn: %w", err)
	}
	pgxCfg.MaxConns = cfg.MaxConns
	pgxCfg.MinConns = cfg.MinConns
	pgxCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, fmt.Errorf("holdings postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("holdings postgres: ping: %w", err)
	}
	log.Info("postgres: connected",
		zap.String("host", pgxCfg.ConnConfig.Host),
		zap.String("database", pgxCfg.ConnConfig.Database))

	return &PostgresStore{pool: pool, log: log}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("holdings migrate: open db: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("holdings migrate: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("holdings migrate: up: %w", err)
	}
	return nil
}

const (
	lockPartitionSQL   = `SELECT pg_advisory_xact_lock(hashtext($1))`
	deletePartitionSQL = `DELETE FROM holdings WHERE user_id = $1 AND exchange = $2`
	insertRowSQL       = `INSERT INTO holdings (user_id, exchange, asset, owned, usd_value, updated_at) VALUES ($1, $2, $3, $4::numeric, $5::numeric, now())`
	readAllSQL         = `SELECT user_id, exchange, asset, owned::text, usd_value::text FROM holdings ORDER BY user_id COLLATE "C", exchange COLLATE "C", asset COLLATE "C"`
)

// ReplacePartition — одна транзакция: advisory lock партиции, DELETE, пакет INSERT.
// Читатели под READ COMMITTED видят либо старый, либо новый снимок.
func (s *PostgresStore) ReplacePartition(ctx context.Context, p Partition, rows []Row) (err error) {
	ctx, span := tracer.Start(ctx, "Postgres.ReplacePartition",
		trace.WithAttributes(
			attribute.String("user", p.User),
			attribute.String("exchange", p.Exchange),
			attribute.Int("rows", len(rows)),
		))
	defer span.End()
	defer observe(DriverPostgres, "replace", time.Now())
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	next := normalizeRows(p, rows)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("holdings postgres: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, lockPartitionSQL, p.String()); err != nil {
		return fmt.Errorf("holdings postgres: lock %s: %w", p, err)
	}
	if _, err = tx.Exec(ctx, deletePartitionSQL, p.User, p.Exchange); err != nil {
		return fmt.Errorf("holdings postgres: delete %s: %w", p, err)
	}

	if len(next) > 0 {
		batch := &pgx.Batch{}
		for _, r := range next {
			batch.Queue(insertRowSQL, r.User, r.Exchange, r.Asset, r.Owned.String(), decimalText(r.USDValue))
		}
		if err = tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("holdings postgres: insert %s: %w", p, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("holdings postgres: commit %s: %w", p, err)
	}
	s.log.WithContext(ctx).Debug("partition replaced",
		zap.String("partition", p.String()),
		zap.Int("rows", len(next)))
	return nil
}

func (s *PostgresStore) ReadAll(ctx context.Context) ([]Row, error) {
	ctx, span := tracer.Start(ctx, "Postgres.ReadAll")
	defer span.End()
	defer observe(DriverPostgres, "read_all", time.Now())

	rows, err := s.pool.Query(ctx, readAllSQL)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("holdings postgres: read: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r     Row
			owned string
			usd   *string
		)
		if err := rows.Scan(&r.User, &r.Exchange, &r.Asset, &owned, &usd); err != nil {
			return nil, fmt.Errorf("holdings postgres: scan: %w", err)
		}
		if r.Owned, err = decimal.NewFromString(owned); err != nil {
			return nil, fmt.Errorf("holdings postgres: owned %q: %w", owned, err)
		}
		if usd != nil {
			v, err := decimal.NewFromString(*usd)
			if err != nil {
				return nil, fmt.Errorf("holdings postgres: usd_value %q: %w", *usd, err)
			}
			r.USDValue = &v
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("holdings postgres: rows: %w", err)
	}
	return out, nil
}

// decimalText — nil → SQL NULL.
func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
