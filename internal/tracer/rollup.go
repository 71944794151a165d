package tracer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spanledger/spanledger/internal/span"
)

// rollup writes generation-span totals onto the trace's root span. A trace
// with no persisted root (EndTrace without StartTrace, or an orphan span's
// synthesized trace id) is skipped without error.
func (t *Tracer) rollup(ctx context.Context, traceID string, opts EndTraceOptions) error {
	spans, err := t.store.SpansOfTrace(ctx, traceID)
	if err != nil {
		t.reportStoreError(err)
		return fmt.Errorf("end trace %q: %w", traceID, err)
	}

	var root *span.Span
	for _, item := range spans {
		if item.IsRoot() {
			root = item
			break
		}
	}
	if root == nil {
		t.logger.Warn("end trace: no root span, skipping rollup", "trace_id", traceID)
		return nil
	}

	var (
		inputTokens  int
		outputTokens int
		costUSD      float64
	)
	for _, item := range spans {
		if item.Kind != span.KindGeneration {
			// Non-generation spans contribute wall-clock latency only.
			continue
		}
		inputTokens += item.InputTokens
		outputTokens += item.OutputTokens
		costUSD += item.CostUSD
	}

	now := time.Now().UTC()
	status := span.StatusSuccess
	errorMessage := ""
	if opts.Err != nil {
		status = span.StatusError
		errorMessage = opts.Err.Error()
	}

	update := span.CloseUpdate{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		LatencyMS:    now.Sub(root.StartedAt).Milliseconds(),
		CostUSD:      costUSD,
		Status:       status,
		ErrorMessage: errorMessage,
		EndedAt:      now,
	}
	if err := t.store.CloseSpan(ctx, root.ID, update); err != nil {
		if errors.Is(err, span.ErrNotFound) {
			t.logger.Warn("end trace: root span vanished before rollup", "trace_id", traceID)
			return nil
		}
		t.reportStoreError(err)
		return fmt.Errorf("end trace %q: %w", traceID, err)
	}

	return nil
}
