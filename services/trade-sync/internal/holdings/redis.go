package holdings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/exchange-sync/common/logger"
)

// RedisStore хранит партицию как hash asset→cell (JSON), плюс set-индекс
// партиций. Замена выполняется в MULTI/EXEC.
type RedisStore struct {
	rdb    goredis.UniversalClient
	prefix string
	log    *logger.Logger
}

func NewRedisStore(rdb goredis.UniversalClient, prefix string, log *logger.Logger) *RedisStore {
	if prefix == "" {
		prefix = "holdings"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, log: log.Named("holdings-redis")}
}

func (s *RedisStore) indexKey() string { return s.prefix + ":partitions" }

func (s *RedisStore) partitionKey(p Partition) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, p.User, p.Exchange)
}

// member кодирует партицию в JSON: user может содержать ":".
func member(p Partition) (string, error) {
	b, err := json.Marshal([2]string{p.User, p.Exchange})
	return string(b), err
}

func parseMember(m string) (Partition, error) {
	var pair [2]string
	if err := json.Unmarshal([]byte(m), &pair); err != nil {
		return Partition{}, err
	}
	return Partition{User: pair[0], Exchange: pair[1]}, nil
}

// cell — значение поля hash. Старый формат (голое число) тоже читается.
type cell struct {
	Owned    decimal.Decimal  `json:"owned"`
	USDValue *decimal.Decimal `json:"usd_value,omitempty"`
}

func parseCell(v string) (cell, error) {
	var c cell
	if err := json.Unmarshal([]byte(v), &c); err == nil {
		return c, nil
	}
	owned, err := decimal.NewFromString(v)
	if err != nil {
		return cell{}, err
	}
	return cell{Owned: owned}, nil
}

func (s *RedisStore) ReplacePartition(ctx context.Context, p Partition, rows []Row) error {
	ctx, span := tracer.Start(ctx, "Redis.ReplacePartition",
		trace.WithAttributes(
			attribute.String("user", p.User),
			attribute.String("exchange", p.Exchange),
		))
	defer span.End()
	defer observe(DriverRedis, "replace", time.Now())

	next := normalizeRows(p, rows)
	m, err := member(p)
	if err != nil {
		return fmt.Errorf("holdings redis: encode partition: %w", err)
	}
	key := s.partitionKey(p)

	fields := make(map[string]interface{}, len(next))
	for _, r := range next {
		b, err := json.Marshal(cell{Owned: r.Owned, USDValue: r.USDValue})
		if err != nil {
			return fmt.Errorf("holdings redis: encode %s: %w", r.Asset, err)
		}
		fields[r.Asset] = string(b)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) == 0 {
			pipe.SRem(ctx, s.indexKey(), m)
			return nil
		}
		pipe.HSet(ctx, key, fields)
		pipe.SAdd(ctx, s.indexKey(), m)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.log.WithContext(ctx).Error("replace partition failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("holdings redis: replace %s: %w", p, err)
	}
	return nil
}

func (s *RedisStore) ReadAll(ctx context.Context) ([]Row, error) {
	ctx, span := tracer.Start(ctx, "Redis.ReadAll")
	defer span.End()
	defer observe(DriverRedis, "read_all", time.Now())

	members, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("holdings redis: partitions: %w", err)
	}

	parts := make([]Partition, 0, len(members))
	cmds := make([]*goredis.MapStringStringCmd, 0, len(members))
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, m := range members {
			p, err := parseMember(m)
			if err != nil {
				s.log.WithContext(ctx).Warn("skip bad partition member", zap.String("member", m), zap.Error(err))
				continue
			}
			parts = append(parts, p)
			cmds = append(cmds, pipe.HGetAll(ctx, s.partitionKey(p)))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("holdings redis: read: %w", err)
	}

	var out []Row
	for i, cmd := range cmds {
		for asset, v := range cmd.Val() {
			c, err := parseCell(v)
			if err != nil {
				return nil, fmt.Errorf("holdings redis: %s %s=%q: %w", parts[i], asset, v, err)
			}
			out = append(out, Row{
				User: parts[i].User, Exchange: parts[i].Exchange, Asset: asset,
				Owned: c.Owned, USDValue: c.USDValue,
			})
		}
	}
	sortRows(out)
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *RedisStore) Close() error { return s.rdb.Close() }
