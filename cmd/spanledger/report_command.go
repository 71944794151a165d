package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spanledger/spanledger/internal/span"
)

const (
	defaultReportFormat = "text"
	defaultReportLimit  = 10
	maxReportLimit      = 200
	reportSchemaVersion = "report.v1"
)

type reportDocument struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Storage       reportStorageInfo `json:"storage"`
	Limit         int               `json:"limit"`
	Traces        []reportTraceInfo `json:"traces"`
}

type reportStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type reportTraceInfo struct {
	TraceID      string           `json:"trace_id"`
	Name         string           `json:"name"`
	Status       string           `json:"status"`
	StartedAt    time.Time        `json:"started_at"`
	LatencyMS    int64            `json:"latency_ms"`
	TotalTokens  int              `json:"total_tokens"`
	CostUSD      float64          `json:"cost_usd"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Spans        []reportSpanInfo `json:"spans,omitempty"`
}

type reportSpanInfo struct {
	SpanID      string    `json:"span_id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Model       string    `json:"model,omitempty"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	LatencyMS   int64     `json:"latency_ms"`
	TotalTokens int       `json:"total_tokens"`
	CostUSD     float64   `json:"cost_usd"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	limit := flagSet.Int("limit", defaultReportLimit, "Recent trace count (1-200)")
	withSpans := flagSet.Bool("spans", false, "Include every span of each trace")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit <= 0 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxReportLimit)
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	store, err := openSpanStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize span store: %v\n", err)
		return 1
	}
	defer closeSpanStoreWithWarning(store, errOut)

	report, err := buildReport(context.Background(), store, *limit, *withSpans)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}
	report.Storage = reportStorageInfo{Driver: cfg.Storage.Driver}
	if strings.TrimSpace(cfg.Storage.Driver) == "sqlite" {
		report.Storage.Path = cfg.Storage.Path
	}

	if err := writeReport(out, normalizedFormat, report); err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}

	return 0
}

func buildReport(ctx context.Context, store span.Store, limit int, withSpans bool) (reportDocument, error) {
	roots, err := store.RecentTraces(ctx, limit)
	if err != nil {
		return reportDocument{}, err
	}

	traces := make([]reportTraceInfo, 0, len(roots))
	for _, root := range roots {
		if root == nil {
			continue
		}
		item := reportTraceInfo{
			TraceID:      root.TraceID,
			Name:         root.Name,
			Status:       string(root.Status),
			StartedAt:    root.StartedAt,
			LatencyMS:    root.LatencyMS,
			TotalTokens:  root.TotalTokens,
			CostUSD:      root.CostUSD,
			ErrorMessage: root.ErrorMessage,
		}
		if withSpans {
			children, err := store.SpansOfTrace(ctx, root.TraceID)
			if err != nil {
				return reportDocument{}, err
			}
			item.Spans = make([]reportSpanInfo, 0, len(children))
			for _, child := range children {
				if child == nil {
					continue
				}
				item.Spans = append(item.Spans, reportSpanInfo{
					SpanID:      child.ID,
					Name:        child.Name,
					Kind:        string(child.Kind),
					Model:       child.Model,
					Status:      string(child.Status),
					StartedAt:   child.StartedAt,
					LatencyMS:   child.LatencyMS,
					TotalTokens: child.TotalTokens,
					CostUSD:     child.CostUSD,
				})
			}
		}
		traces = append(traces, item)
	}

	return reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Limit:         limit,
		Traces:        traces,
	}, nil
}

func writeReport(out io.Writer, format string, report reportDocument) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	default:
		return writeReportText(out, report)
	}
}

func writeReportText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "Spanledger Report")

	metadataWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(metadataWriter, "Schema version\t%s\n", report.SchemaVersion)
	fmt.Fprintf(metadataWriter, "Generated at\t%s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(metadataWriter, "Storage driver\t%s\n", report.Storage.Driver)
	if strings.TrimSpace(report.Storage.Path) != "" {
		fmt.Fprintf(metadataWriter, "Storage path\t%s\n", report.Storage.Path)
	}
	fmt.Fprintf(metadataWriter, "Limit\t%d\n", report.Limit)
	if err := metadataWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nRecent Traces")
	if len(report.Traces) == 0 {
		fmt.Fprintln(out, "(no traces)")
		return nil
	}

	traceWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(traceWriter, "STARTED_AT\tNAME\tSTATUS\tTOTAL_TOKENS\tCOST_USD\tLATENCY_MS\tTRACE_ID")
	for _, row := range report.Traces {
		fmt.Fprintf(
			traceWriter,
			"%s\t%s\t%s\t%d\t%.6f\t%d\t%s\n",
			row.StartedAt.Format(time.RFC3339),
			valueOr(row.Name, "(unnamed)"),
			row.Status,
			row.TotalTokens,
			row.CostUSD,
			row.LatencyMS,
			row.TraceID,
		)
	}
	if err := traceWriter.Flush(); err != nil {
		return err
	}

	for _, row := range report.Traces {
		if len(row.Spans) == 0 {
			continue
		}
		fmt.Fprintf(out, "\nSpans of %s\n", row.TraceID)
		spanWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(spanWriter, "STARTED_AT\tNAME\tKIND\tMODEL\tSTATUS\tTOTAL_TOKENS\tCOST_USD\tLATENCY_MS\tSPAN_ID")
		for _, child := range row.Spans {
			fmt.Fprintf(
				spanWriter,
				"%s\t%s\t%s\t%s\t%s\t%d\t%.6f\t%d\t%s\n",
				child.StartedAt.Format(time.RFC3339),
				valueOr(child.Name, "(unnamed)"),
				child.Kind,
				valueOr(child.Model, "-"),
				child.Status,
				child.TotalTokens,
				child.CostUSD,
				child.LatencyMS,
				child.SpanID,
			)
		}
		if err := spanWriter.Flush(); err != nil {
			return err
		}
	}

	return nil
}
