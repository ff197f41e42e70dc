package api

import "context"

type traceKey struct{}

// WithTraceID returns a context carrying the provided trace id
func WithTraceID(ctx context.Context, id TraceID) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceIDFrom returns the trace id carried by ctx, or an empty string
func TraceIDFrom(ctx context.Context) TraceID {
	if id, ok := ctx.Value(traceKey{}).(TraceID); ok {
		return id
	}
	return ""
}

// EnsureTraceID returns ctx and its trace id, attaching a fresh id when the
// context doesn't carry one
func EnsureTraceID(ctx context.Context) (context.Context, TraceID) {
	if id := TraceIDFrom(ctx); id != "" {
		return ctx, id
	}
	id := NewTraceID()
	return WithTraceID(ctx, id), id
}
