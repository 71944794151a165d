package tracer

import "context"

// Active identifies what is currently executing: the trace and the span new
// work should nest under. The zero value means no trace is active.
//
// Active travels inside a context.Context instead of a process-wide slot so
// concurrent logical flows holding distinct contexts never share state.
type Active struct {
	TraceID string
	SpanID  string
}

// IsZero reports whether no trace is active.
func (a Active) IsZero() bool {
	return a.TraceID == "" && a.SpanID == ""
}

type contextKey struct{}

var activeContextKey contextKey

// WithActive stores the active trace/span pair in the context. Storing the
// zero value shadows any outer pair, which is how EndTrace clears context.
func WithActive(ctx context.Context, active Active) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, activeContextKey, active)
}

// ActiveFromContext extracts the active trace/span pair from the context.
func ActiveFromContext(ctx context.Context) (Active, bool) {
	if ctx == nil {
		return Active{}, false
	}
	active, ok := ctx.Value(activeContextKey).(Active)
	if !ok || active.IsZero() {
		return Active{}, false
	}
	return active, true
}
