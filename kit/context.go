package kit

import "context"

type ctxKey int

const (
	userIDKey ctxKey = iota
	roleKey
	transportKey
	traceIDKey
)

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithUserID stores the upstream user id decoded from the access token.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// GetUserID returns the upstream user id, or "" for anonymous calls.
func GetUserID(ctx context.Context) string { return value(ctx, userIDKey) }

// WithRole stores the upstream role id decoded from the access token.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

func GetRole(ctx context.Context) string { return value(ctx, roleKey) }

// WithTransport marks the inbound transport, "http" or "mcp".
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey, t)
}

// GetTransport defaults to "http".
func GetTransport(ctx context.Context) string {
	if v := value(ctx, transportKey); v != "" {
		return v
	}
	return "http"
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func GetTraceID(ctx context.Context) string { return value(ctx, traceIDKey) }
