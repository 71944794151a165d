package tracer

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/spanledger/spanledger/internal/span"
)

func newTestTracer(t *testing.T) (*Tracer, *span.SQLiteStore) {
	t.Helper()

	store, err := span.NewSQLiteStore(filepath.Join(t.TempDir(), "tracer.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return New(store, slog.Default()), store
}

func TestStartTraceWritesRunningRoot(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracer(t)
	ctx, active, err := tr.StartTrace(context.Background(), "journal-entry", map[string]any{"user": "dev"})
	if err != nil {
		t.Fatalf("StartTrace() error: %v", err)
	}
	if active.TraceID == "" || active.SpanID == "" {
		t.Fatalf("StartTrace() returned empty active pair: %+v", active)
	}
	if got := tr.CurrentTraceID(ctx); got != active.TraceID {
		t.Fatalf("CurrentTraceID()=%q, want %q", got, active.TraceID)
	}

	root, err := store.LookupSpan(context.Background(), active.SpanID)
	if err != nil {
		t.Fatalf("LookupSpan(root) error: %v", err)
	}
	if !root.IsRoot() {
		t.Fatalf("root span has parent %q", root.ParentSpanID)
	}
	if root.Status != span.StatusRunning {
		t.Fatalf("root status=%q, want running", root.Status)
	}
	if root.EndedAt != nil {
		t.Fatal("root ended_at should be null while running")
	}
	if span.MetadataString(span.DecodeMetadataMap(root.Metadata), "user") != "dev" {
		t.Fatalf("root metadata=%q, want user=dev", root.Metadata)
	}
}

func TestNestingRestoresPriorContext(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracer(t)
	ctx, traceActive, err := tr.StartTrace(context.Background(), "outer", nil)
	if err != nil {
		t.Fatalf("StartTrace() error: %v", err)
	}

	beforeA, _ := ActiveFromContext(ctx)
	ctx, spanA, err := tr.StartSpan(ctx, "step-a", SpanOptions{})
	if err != nil {
		t.Fatalf("StartSpan(a) error: %v", err)
	}

	beforeB, _ := ActiveFromContext(ctx)
	if beforeB.SpanID != spanA {
		t.Fatalf("active span after StartSpan(a)=%q, want %q", beforeB.SpanID, spanA)
	}
	ctx, spanB, err := tr.StartSpan(ctx, "step-b", SpanOptions{})
	if err != nil {
		t.Fatalf("StartSpan(b) error: %v", err)
	}

	ctx, err = tr.EndSpan(ctx, spanB, EndSpanOptions{})
	if err != nil {
		t.Fatalf("EndSpan(b) error: %v", err)
	}
	afterB, _ := ActiveFromContext(ctx)
	if afterB != beforeB {
		t.Fatalf("context after EndSpan(b)=%+v, want %+v", afterB, beforeB)
	}

	ctx, err = tr.EndSpan(ctx, spanA, EndSpanOptions{})
	if err != nil {
		t.Fatalf("EndSpan(a) error: %v", err)
	}
	afterA, _ := ActiveFromContext(ctx)
	if afterA != beforeA {
		t.Fatalf("context after EndSpan(a)=%+v, want %+v", afterA, beforeA)
	}
	if afterA.SpanID != traceActive.SpanID {
		t.Fatalf("active span after closing both=%q, want root %q", afterA.SpanID, traceActive.SpanID)
	}
}

func TestEndSpanSetsTerminalStateAndLatency(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracer(t)
	ctx, _, err := tr.StartTrace(context.Background(), "trace", nil)
	if err != nil {
		t.Fatalf("StartTrace() error: %v", err)
	}
	ctx, spanID, err := tr.StartSpan(ctx, "work", SpanOptions{Input: map[string]any{"prompt": "hi"}})
	if err != nil {
		t.Fatalf("StartSpan() error: %v", err)
	}

	time.Sleep(15 * time.Millisecond)
	if _, err := tr.EndSpan(ctx, spanID, EndSpanOptions{Output: "done"}); err != nil {
		t.Fatalf("EndSpan() error: %v", err)
	}

	closed, err := store.LookupSpan(context.Background(), spanID)
	if err != nil {
		t.Fatalf("LookupSpan() error: %v", err)
	}
	if closed.Status != span.StatusSuccess {
		t.Fatalf("status=%q, want success", closed.Status)
	}
	if closed.EndedAt == nil {
		t.Fatal("ended_at should be set after close")
	}
	if closed.EndedAt.Before(closed.StartedAt) {
		t.Fatalf("ended_at %v before started_at %v", closed.EndedAt, closed.StartedAt)
	}
	gap := closed.EndedAt.Sub(closed.StartedAt).Milliseconds()
	if diff := closed.LatencyMS - gap; diff < -5 || diff > 5 {
		t.Fatalf("latency_ms=%d, ended-started=%dms", closed.LatencyMS, gap)
	}
	if closed.LatencyMS < 10 {
		t.Fatalf("latency_ms=%d, want >= 10", closed.LatencyMS)
	}
}

func TestEndSpanRecordsCallerError(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracer(t)
	ctx, _, err := tr.StartTrace(context.Background(), "trace", nil)
	if err != nil {
		t.Fatalf("StartTrace() error: %v", err)
	}
	ctx, spanID, err := tr.StartSpan(ctx, "work", SpanOptions{})
	if err != nil {
		t.Fatalf("StartSpan() error: %v", err)
	}

	if _, err := tr.EndSpan(ctx, spanID, EndSpanOptions{Err: errors.New("model refused")}); err != nil {
		t.Fatalf("EndSpan() error: %v", err)
	}

	closed, err := store.LookupSpan(context.Background(), spanID)
	if err != nil {
		t.Fatalf("LookupSpan() error: %v", err)
	}
	if closed.Status != span.StatusError {
		t.Fatalf("status=%q, want error", closed.Status)
	}
	if closed.ErrorMessage != "model refused" {
		t.Fatalf("error_message=%q", closed.ErrorMessage)
	}
}

func TestEndSpanUnknownIDIsNoOp(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracer(t)
	ctx, _, err := tr.StartTrace(context.Background(), "trace", nil)
	if err != nil {
		t.Fatalf("StartTrace() error: %v", err)
	}

	before, _ := ActiveFromContext(ctx)
	ctx, err = tr.EndSpan(ctx, "never-opened", EndSpanOptions{Output: "x"})
	if err != nil {
		t.Fatalf("EndSpan(unknown) error: %v", err)
	}
	after, _ := ActiveFromContext(ctx)
	if after != before {
		t.Fatalf("context changed by unknown close: %+v vs %+v", after, before)
	}

	spans, err := store.SpansOfTrace(context.Background(), before.TraceID)
	if err != nil {
		t.Fatalf("SpansOfTrace() error: %v", err)
	}
	for _, item := range spans {
		if item.Status != span.StatusRunning {
			t.Fatalf("span %q mutated by unknown close", item.ID)
		}
	}
}

func TestEndTraceRollsUpGenerationSpansOnly(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracer(t)
	ctx, active, err := tr.StartTrace(context.Background(), "T1", nil)
	if err != nil {
		t.Fatalf("StartTrace() error: %v", err)
	}

	// claude-sonnet-4 is $3/$15 per million.
	ctx, genID, err := tr.StartSpan(ctx, "model-call", SpanOptions{
		Kind:  span.KindGeneration,
		Model: "claude-sonnet-4-20250514",
	})
	if err != nil {
		t.Fatalf("StartSpan(generation) error: %v", err)
	}
	ctx, err = tr.EndSpan(ctx, genID, EndSpanOptions{InputTokens: 1000, OutputTokens: 500})
	if err != nil {
		t.Fatalf("EndSpan(generation) error: %v", err)
	}

	// Non-generation work must not contribute to the rollup.
	ctx, plainID, err := tr.StartSpan(ctx, "post-process", SpanOptions{})
	if err != nil {
		t.Fatalf("StartSpan(plain) error: %v", err)
	}
	ctx, err = tr.EndSpan(ctx, plainID, EndSpanOptions{InputTokens: 9000, OutputTokens: 9000})
	if err != nil {
		t.Fatalf("EndSpan(plain) error: %v", err)
	}

	ctx, err = tr.EndTrace(ctx, EndTraceOptions{})
	if err != nil {
		t.Fatalf("EndTrace() error: %v", err)
	}
	if got := tr.CurrentTraceID(ctx); got != "" {
		t.Fatalf("CurrentTraceID() after EndTrace=%q, want empty", got)
	}

	root, err := store.LookupSpan(context.Background(), active.SpanID)
	if err != nil {
		t.Fatalf("LookupSpan(root) error: %v", err)
	}
	if math.Abs(root.CostUSD-0.0105) > 1e-12 {
		t.Fatalf("root cost=%f, want 0.0105", root.CostUSD)
	}
	if root.InputTokens != 1000 || root.OutputTokens != 500 || root.TotalTokens != 1500 {
		t.Fatalf("root tokens=%d/%d/%d, want 1000/500/1500", root.InputTokens, root.OutputTokens, root.TotalTokens)
	}
	if root.Status != span.StatusSuccess {
		t.Fatalf("root status=%q, want success", root.Status)
	}
	if root.EndedAt == nil {
		t.Fatal("root ended_at should be set after EndTrace")
	}
}

func TestEndTraceWithoutStartIsNoOp(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracer(t)
	ctx, err := tr.EndTrace(context.Background(), EndTraceOptions{})
	if err != nil {
		t.Fatalf("EndTrace() error: %v", err)
	}
	if got := tr.CurrentTraceID(ctx); got != "" {
		t.Fatalf("CurrentTraceID()=%q, want empty", got)
	}

	recent, err := store.RecentTraces(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentTraces() error: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("RecentTraces()=%d rows, want 0", len(recent))
	}
}

func TestOrphanSpanSynthesizesTraceWithoutRoot(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracer(t)
	ctx, spanID, err := tr.StartSpan(context.Background(), "stray", SpanOptions{})
	if err != nil {
		t.Fatalf("StartSpan(orphan) error: %v", err)
	}

	active, ok := ActiveFromContext(ctx)
	if !ok || active.TraceID == "" {
		t.Fatalf("orphan span should synthesize a trace id, got %+v", active)
	}

	record, err := store.LookupSpan(context.Background(), spanID)
	if err != nil {
		t.Fatalf("LookupSpan() error: %v", err)
	}
	if record.IsRoot() {
		t.Fatal("orphan span must not surface as a trace root")
	}

	recent, err := store.RecentTraces(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentTraces() error: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("orphan span leaked into RecentTraces: %d rows", len(recent))
	}

	// The trace has no persisted root, so ending it skips the rollup.
	ctx, err = tr.EndTrace(ctx, EndTraceOptions{})
	if err != nil {
		t.Fatalf("EndTrace(orphan trace) error: %v", err)
	}
	if _, err := tr.EndSpan(ctx, spanID, EndSpanOptions{}); err != nil {
		t.Fatalf("EndSpan(orphan) error: %v", err)
	}
}

func TestEndTraceMarksTraceError(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracer(t)
	ctx, active, err := tr.StartTrace(context.Background(), "failing", nil)
	if err != nil {
		t.Fatalf("StartTrace() error: %v", err)
	}

	if _, err := tr.EndTrace(ctx, EndTraceOptions{Err: errors.New("upstream 500")}); err != nil {
		t.Fatalf("EndTrace() error: %v", err)
	}

	root, err := store.LookupSpan(context.Background(), active.SpanID)
	if err != nil {
		t.Fatalf("LookupSpan(root) error: %v", err)
	}
	if root.Status != span.StatusError || root.ErrorMessage != "upstream 500" {
		t.Fatalf("root status/message=%q/%q", root.Status, root.ErrorMessage)
	}
}

func TestDoubleCloseOverwrites(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracer(t)
	ctx, _, err := tr.StartTrace(context.Background(), "trace", nil)
	if err != nil {
		t.Fatalf("StartTrace() error: %v", err)
	}
	ctx, spanID, err := tr.StartSpan(ctx, "work", SpanOptions{})
	if err != nil {
		t.Fatalf("StartSpan() error: %v", err)
	}

	if _, err := tr.EndSpan(ctx, spanID, EndSpanOptions{Output: "first"}); err != nil {
		t.Fatalf("first EndSpan() error: %v", err)
	}
	if _, err := tr.EndSpan(ctx, spanID, EndSpanOptions{Output: "second", Err: errors.New("late failure")}); err != nil {
		t.Fatalf("second EndSpan() error: %v", err)
	}

	closed, err := store.LookupSpan(context.Background(), spanID)
	if err != nil {
		t.Fatalf("LookupSpan() error: %v", err)
	}
	if closed.Status != span.StatusError {
		t.Fatalf("second close should overwrite status, got %q", closed.Status)
	}
	if closed.Output != `"second"` {
		t.Fatalf("second close should overwrite output, got %q", closed.Output)
	}
}

func TestLogConversationAttachesActiveTrace(t *testing.T) {
	t.Parallel()

	tr, store := newTestTracer(t)
	ctx, active, err := tr.StartTrace(context.Background(), "chat", nil)
	if err != nil {
		t.Fatalf("StartTrace() error: %v", err)
	}

	err = tr.LogConversation(ctx, ConversationEntry{
		Question:     "wie heißt du?",
		Answer:       "spanledger",
		Model:        "gpt-4o-mini",
		Source:       "translator",
		InputTokens:  12,
		OutputTokens: 4,
		LatencyMS:    80,
	})
	if err != nil {
		t.Fatalf("LogConversation() error: %v", err)
	}

	stats, err := store.StatsOver(context.Background(), 1)
	if err != nil {
		t.Fatalf("StatsOver() error: %v", err)
	}
	if stats.ConversationCount != 1 {
		t.Fatalf("conversation count=%d, want 1", stats.ConversationCount)
	}
	_ = active
}

func TestConcurrentFlowsDoNotShareContext(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracer(t)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, _, err := tr.StartTrace(context.Background(), "flow", nil)
			if err != nil {
				done <- err
				return
			}
			ctx, spanID, err := tr.StartSpan(ctx, "inner", SpanOptions{})
			if err != nil {
				done <- err
				return
			}
			ctx, err = tr.EndSpan(ctx, spanID, EndSpanOptions{})
			if err != nil {
				done <- err
				return
			}
			_, err = tr.EndTrace(ctx, EndTraceOptions{})
			done <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent flow error: %v", err)
		}
	}
}
