package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spanledger/spanledger/internal/span"
)

const (
	defaultStatsFormat = "text"
	maxStatsWindowDays = 365
	statsSchemaVersion = "stats.v1"
)

type statsDocument struct {
	SchemaVersion     string    `json:"schema_version"`
	GeneratedAt       time.Time `json:"generated_at"`
	WindowDays        int       `json:"window_days"`
	TraceCount        int64     `json:"trace_count"`
	TotalTokens       int64     `json:"total_tokens"`
	TotalCostUSD      float64   `json:"total_cost_usd"`
	AvgLatencyMS      float64   `json:"avg_latency_ms"`
	ErrorRate         float64   `json:"error_rate"`
	ConversationCount int64     `json:"conversation_count"`
}

func runStats(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("stats", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultStatsFormat, "Output format: text or json")
	days := flagSet.Int("days", 0, "Trailing window in days (defaults to query.stats_window_days)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "stats does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("stats", *format, defaultStatsFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *days < 0 || *days > maxStatsWindowDays {
		fmt.Fprintf(errOut, "days must be between 0 and %d (0 uses the configured window)\n", maxStatsWindowDays)
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

	window := *days
	if window == 0 {
		window = cfg.Query.StatsWindowDays
	}

	store, err := openSpanStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize span store: %v\n", err)
		return 1
	}
	defer closeSpanStoreWithWarning(store, errOut)

	stats, err := store.StatsOver(context.Background(), window)
	if err != nil {
		fmt.Fprintf(errOut, "failed to aggregate stats: %v\n", err)
		return 1
	}
	if stats == nil {
		stats = &span.Stats{}
	}

	document := statsDocument{
		SchemaVersion:     statsSchemaVersion,
		GeneratedAt:       time.Now().UTC(),
		WindowDays:        window,
		TraceCount:        stats.TraceCount,
		TotalTokens:       stats.TotalTokens,
		TotalCostUSD:      stats.TotalCostUSD,
		AvgLatencyMS:      stats.AvgLatencyMS,
		ErrorRate:         stats.ErrorRate,
		ConversationCount: stats.ConversationCount,
	}

	if err := writeStats(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write stats: %v\n", err)
		return 1
	}

	return 0
}

func writeStats(out io.Writer, format string, document statsDocument) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(document)
	}

	fmt.Fprintln(out, "Spanledger Stats")
	writer := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(writer, "Schema version\t%s\n", document.SchemaVersion)
	fmt.Fprintf(writer, "Generated at\t%s\n", document.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(writer, "Window (days)\t%d\n", document.WindowDays)
	fmt.Fprintf(writer, "Traces\t%d\n", document.TraceCount)
	fmt.Fprintf(writer, "Total tokens\t%d\n", document.TotalTokens)
	fmt.Fprintf(writer, "Total cost (USD)\t%.6f\n", document.TotalCostUSD)
	fmt.Fprintf(writer, "Avg root latency (ms)\t%.2f\n", document.AvgLatencyMS)
	fmt.Fprintf(writer, "Error rate\t%.4f\n", document.ErrorRate)
	fmt.Fprintf(writer, "Conversations\t%d\n", document.ConversationCount)
	return writer.Flush()
}
