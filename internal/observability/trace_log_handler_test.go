package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/spanledger/spanledger/internal/tracer"
)

func TestTraceLogHandlerStampsActiveTrace(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := tracer.WithActive(context.Background(), tracer.Active{TraceID: "t1", SpanID: "s1"})
	logger.InfoContext(ctx, "working")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if record["trace_id"] != "t1" || record["span_id"] != "s1" {
		t.Fatalf("log line missing trace stamps: %v", record)
	}
}

func TestTraceLogHandlerSkipsWithoutActiveTrace(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("idle")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if _, ok := record["trace_id"]; ok {
		t.Fatalf("log line should not carry trace_id: %v", record)
	}
}

func TestTraceLogHandlerPreservesAttrsAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewTraceLogHandler(slog.NewJSONHandler(&buf, nil))).
		With("component", "store").
		WithGroup("db")
	logger.Info("write", "rows", 1)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if record["component"] != "store" {
		t.Fatalf("With attr lost: %v", record)
	}
	group, ok := record["db"].(map[string]any)
	if !ok || group["rows"] != float64(1) {
		t.Fatalf("WithGroup lost: %v", record)
	}
}
