// Package tracer records hierarchical spans around model calls, restores
// nested execution context, and rolls token/cost totals up to trace roots.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/spanledger/spanledger/internal/pricing"
	"github.com/spanledger/spanledger/internal/span"
)

// Metrics holds optional callbacks the tracer invokes at key points. All
// fields may be nil.
type Metrics struct {
	// OnSpanStart is called after a span row is successfully inserted.
	OnSpanStart func(kind string)
	// OnSpanEnd is called after a span row is successfully closed.
	OnSpanEnd func(kind, status string)
	// OnStoreError is called when a store mutation fails, with the
	// classified failure category.
	OnStoreError func(class string)
}

// Tracer is the engine's call surface. One caller opens a trace, opens
// possibly nested spans around model calls, closes each span with its
// result, and closes the trace.
//
// The active {traceID, spanID} pair travels inside the context.Context the
// caller threads through every call; closing a span returns the context that
// was active immediately before that span was opened. The restore entries
// are keyed by span id, which is globally unique, so concurrent flows with
// separate contexts cannot corrupt each other's restoration.
type Tracer struct {
	store  span.Store
	logger *slog.Logger

	metrics atomic.Value // *Metrics

	mu sync.Mutex
	// restore maps an open span's id to the pair that was active
	// immediately before it was opened.
	restore map[string]Active
}

// New returns a Tracer over the given store. A nil logger falls back to
// slog.Default().
func New(store span.Store, logger *slog.Logger) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracer{
		store:   store,
		logger:  logger,
		restore: make(map[string]Active),
	}
	t.metrics.Store(&Metrics{})
	return t
}

// SetMetrics replaces the metric callbacks.
func (t *Tracer) SetMetrics(m *Metrics) {
	if t == nil {
		return
	}
	if m == nil {
		m = &Metrics{}
	}
	t.metrics.Store(m)
}

func (t *Tracer) loadMetrics() *Metrics {
	m, _ := t.metrics.Load().(*Metrics)
	if m == nil {
		return &Metrics{}
	}
	return m
}

// SpanOptions configures StartSpan.
type SpanOptions struct {
	// Kind defaults to span.KindSpan. Only generation spans are
	// cost-accounted at close time.
	Kind span.Kind
	// Model is the model identifier for generation spans.
	Model string
	// Input is an opaque payload stored verbatim as JSON.
	Input any
	// Metadata is recorded at creation and never mutated.
	Metadata map[string]any
}

// EndSpanOptions configures EndSpan.
type EndSpanOptions struct {
	Output       any
	InputTokens  int
	OutputTokens int
	// Err marks the span failed. It is recorded as data, not raised.
	Err error
}

// EndTraceOptions configures EndTrace.
type EndTraceOptions struct {
	// Err marks the whole trace failed.
	Err error
}

// StartTrace opens a new trace: it writes the root span (running, no
// parent) and returns a context carrying the new active pair.
func (t *Tracer) StartTrace(ctx context.Context, name string, metadata map[string]any) (context.Context, Active, error) {
	traceID := uuid.NewString()
	spanID := uuid.NewString()

	root := &span.Span{
		ID:        spanID,
		TraceID:   traceID,
		Name:      name,
		Kind:      span.KindSpan,
		Status:    span.StatusRunning,
		Metadata:  span.EncodeMetadata(metadata),
		StartedAt: time.Now().UTC(),
	}
	if err := t.store.InsertSpan(ctx, root); err != nil {
		t.reportStoreError(err)
		return ctx, Active{}, fmt.Errorf("start trace %q: %w", name, err)
	}
	if m := t.loadMetrics(); m.OnSpanStart != nil {
		m.OnSpanStart(string(span.KindSpan))
	}

	active := Active{TraceID: traceID, SpanID: spanID}
	return WithActive(ctx, active), active, nil
}

// StartSpan opens a span nested under the context's active pair. Without an
// active trace it synthesizes a fresh trace id on the fly; such an orphan
// span has no persisted root, is never rolled up, and never appears in
// RecentTraces. That asymmetry is deliberate and mirrors how callers use
// stray instrumented helpers outside a trace.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts SpanOptions) (context.Context, string, error) {
	prior, _ := ActiveFromContext(ctx)

	spanID := uuid.NewString()
	traceID := prior.TraceID
	parentID := prior.SpanID
	if traceID == "" {
		// Orphan: no active trace. The span gets a fresh trace id and is
		// parented under a root id that is never written, so it cannot
		// surface in RecentTraces or be rolled up.
		traceID = uuid.NewString()
		parentID = uuid.NewString()
	}

	kind := opts.Kind
	if kind == "" {
		kind = span.KindSpan
	}

	record := &span.Span{
		ID:           spanID,
		TraceID:      traceID,
		ParentSpanID: parentID,
		Name:         name,
		Kind:         kind,
		Model:        opts.Model,
		Input:        span.EncodePayload(opts.Input),
		Status:       span.StatusRunning,
		Metadata:     span.EncodeMetadata(opts.Metadata),
		StartedAt:    time.Now().UTC(),
	}
	if err := t.store.InsertSpan(ctx, record); err != nil {
		t.reportStoreError(err)
		return ctx, "", fmt.Errorf("start span %q: %w", name, err)
	}
	if m := t.loadMetrics(); m.OnSpanStart != nil {
		m.OnSpanStart(string(kind))
	}

	t.mu.Lock()
	t.restore[spanID] = prior
	t.mu.Unlock()

	return WithActive(ctx, Active{TraceID: traceID, SpanID: spanID}), spanID, nil
}

// EndSpan closes a span with its result and returns the context that was
// active immediately before the span was opened. Closing an unknown span id
// is a no-op with a logged warning. Closing a span twice overwrites the
// first close; the restore entry is gone by then, so the returned context
// is unchanged.
func (t *Tracer) EndSpan(ctx context.Context, spanID string, opts EndSpanOptions) (context.Context, error) {
	now := time.Now().UTC()

	record, err := t.store.LookupSpan(ctx, spanID)
	if err != nil {
		if errors.Is(err, span.ErrNotFound) {
			t.logger.Warn("end span: span not found", "span_id", spanID)
			return ctx, nil
		}
		t.reportStoreError(err)
		return ctx, fmt.Errorf("end span %q: %w", spanID, err)
	}

	status := span.StatusSuccess
	errorMessage := ""
	if opts.Err != nil {
		status = span.StatusError
		errorMessage = opts.Err.Error()
	}

	update := span.CloseUpdate{
		Output:       span.EncodePayload(opts.Output),
		InputTokens:  opts.InputTokens,
		OutputTokens: opts.OutputTokens,
		TotalTokens:  opts.InputTokens + opts.OutputTokens,
		LatencyMS:    now.Sub(record.StartedAt).Milliseconds(),
		CostUSD:      pricing.Cost(record.Model, opts.InputTokens, opts.OutputTokens),
		Status:       status,
		ErrorMessage: errorMessage,
		EndedAt:      now,
	}
	if err := t.store.CloseSpan(ctx, spanID, update); err != nil {
		if errors.Is(err, span.ErrNotFound) {
			t.logger.Warn("end span: span vanished before close", "span_id", spanID)
			return ctx, nil
		}
		t.reportStoreError(err)
		return ctx, fmt.Errorf("end span %q: %w", spanID, err)
	}
	if m := t.loadMetrics(); m.OnSpanEnd != nil {
		m.OnSpanEnd(string(record.Kind), string(status))
	}

	t.mu.Lock()
	prior, ok := t.restore[spanID]
	delete(t.restore, spanID)
	t.mu.Unlock()

	if ok {
		return WithActive(ctx, prior), nil
	}
	return ctx, nil
}

// EndTrace rolls generation-span totals up to the trace's root span and
// returns a context with the active pair cleared. Without an active trace,
// or when the trace has no persisted root, nothing is written.
func (t *Tracer) EndTrace(ctx context.Context, opts EndTraceOptions) (context.Context, error) {
	active, ok := ActiveFromContext(ctx)
	cleared := WithActive(ctx, Active{})
	if !ok {
		t.logger.Warn("end trace: no active trace")
		return cleared, nil
	}

	if err := t.rollup(ctx, active.TraceID, opts); err != nil {
		return cleared, err
	}
	return cleared, nil
}

// CurrentTraceID returns the context's active trace id, or "".
func (t *Tracer) CurrentTraceID(ctx context.Context) string {
	active, _ := ActiveFromContext(ctx)
	return active.TraceID
}

// ConversationEntry is a one-shot logged exchange recorded alongside a
// trace for cross-referencing.
type ConversationEntry struct {
	Question     string
	Answer       string
	Model        string
	Source       string
	InputTokens  int
	OutputTokens int
	LatencyMS    int64
	Err          error
	Metadata     map[string]any
}

// LogConversation writes a fully populated conversation log row. The trace
// id is taken from the context's active pair when present.
func (t *Tracer) LogConversation(ctx context.Context, entry ConversationEntry) error {
	active, _ := ActiveFromContext(ctx)

	status := span.StatusSuccess
	errorMessage := ""
	if entry.Err != nil {
		status = span.StatusError
		errorMessage = entry.Err.Error()
	}

	record := &span.ConversationLog{
		TraceID:      active.TraceID,
		Source:       entry.Source,
		Question:     entry.Question,
		Answer:       entry.Answer,
		Model:        entry.Model,
		InputTokens:  entry.InputTokens,
		OutputTokens: entry.OutputTokens,
		TotalTokens:  entry.InputTokens + entry.OutputTokens,
		LatencyMS:    entry.LatencyMS,
		CostUSD:      pricing.Cost(entry.Model, entry.InputTokens, entry.OutputTokens),
		Status:       status,
		ErrorMessage: errorMessage,
		Metadata:     span.EncodeMetadata(entry.Metadata),
		StartedAt:    time.Now().UTC(),
	}
	if err := t.store.InsertConversationLog(ctx, record); err != nil {
		t.reportStoreError(err)
		return fmt.Errorf("log conversation: %w", err)
	}
	return nil
}

func (t *Tracer) reportStoreError(err error) {
	class := span.ClassifyWriteError(err)
	t.logger.Error("span store operation failed", "error", err, "error_class", class)
	if m := t.loadMetrics(); m.OnStoreError != nil {
		m.OnStoreError(class)
	}
}
