package tracer

import (
	"context"
	"testing"
)

func TestActiveFromContextEmpty(t *testing.T) {
	t.Parallel()

	if active, ok := ActiveFromContext(context.Background()); ok || !active.IsZero() {
		t.Fatalf("ActiveFromContext(empty)=%+v, %v", active, ok)
	}
}

func TestWithActiveRoundTrip(t *testing.T) {
	t.Parallel()

	want := Active{TraceID: "t1", SpanID: "s1"}
	ctx := WithActive(context.Background(), want)
	got, ok := ActiveFromContext(ctx)
	if !ok || got != want {
		t.Fatalf("ActiveFromContext()=%+v, %v", got, ok)
	}
}

func TestWithActiveZeroShadowsPrior(t *testing.T) {
	t.Parallel()

	ctx := WithActive(context.Background(), Active{TraceID: "t1", SpanID: "s1"})
	ctx = WithActive(ctx, Active{})
	if active, ok := ActiveFromContext(ctx); ok || !active.IsZero() {
		t.Fatalf("cleared context still reports %+v, %v", active, ok)
	}
}
