package logger

import "context"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	callerKey
)

// Callers tag the surface an operation entered through.
const (
	CallerHTTP    = "http"
	CallerMCP     = "mcp"
	CallerNATS    = "nats"
	CallerRescuer = "rescuer"
	CallerCLI     = "cli"
)

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithCaller records which surface (http, mcp, nats, ...) started the operation.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Caller returns the surface recorded by WithCaller, or "".
func Caller(ctx context.Context) string {
	c, _ := ctx.Value(callerKey).(string)
	return c
}
