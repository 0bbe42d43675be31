// Package ctxkeys хранит ключи значений context.Context, общие для всех пакетов.
package ctxkeys

import "context"

// Key — неэкспортируемый по смыслу тип ключа, чтобы не пересекаться с чужими.
type Key string

func (k Key) String() string { return string(k) }

const (
	TraceIDKey   Key = "trace_id"
	RequestIDKey Key = "request_id"
	UserIDKey    Key = "user_id"
	ExchangeKey  Key = "exchange"
)

// WithConnector кладёт в контекст пользователя и биржу коннектора.
func WithConnector(ctx context.Context, user, exchange string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, user)
	return context.WithValue(ctx, ExchangeKey, exchange)
}

// WithRequestID возвращает новый контекст с request-ID.
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, RequestIDKey, rid)
}

// WithTraceID возвращает новый контекст с trace-ID.
func WithTraceID(ctx context.Context, tid string) context.Context {
	return context.WithValue(ctx, TraceIDKey, tid)
}

// RequestID достаёт request-ID, если он есть.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}
