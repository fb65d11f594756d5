package types

import "context"

type ctxKey int

const (
	traceIDKey ctxKey = iota
	requestIDKey
	userIDKey
	beeIDKey
)

func withString(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func stringFrom(ctx context.Context, k ctxKey) (string, bool) {
	v, ok := ctx.Value(k).(string)
	return v, ok && v != ""
}

// WithTraceID 记录 OTel trace id，供日志关联。
func WithTraceID(ctx context.Context, id string) context.Context {
	return withString(ctx, traceIDKey, id)
}

func TraceID(ctx context.Context) (string, bool) { return stringFrom(ctx, traceIDKey) }

// WithRequestID 记录 HTTP 请求 id（X-Request-ID）。
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) (string, bool) { return stringFrom(ctx, requestIDKey) }

// WithUserID 记录 JWT subject。
func WithUserID(ctx context.Context, id string) context.Context {
	return withString(ctx, userIDKey, id)
}

func UserID(ctx context.Context) (string, bool) { return stringFrom(ctx, userIDKey) }

// WithBeeID 记录正在执行任务的 Bee，Worker 在调用 Execute 前设置。
func WithBeeID(ctx context.Context, id string) context.Context {
	return withString(ctx, beeIDKey, id)
}

func BeeID(ctx context.Context) (string, bool) { return stringFrom(ctx, beeIDKey) }
