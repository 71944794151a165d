package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestRunStatsJSON(t *testing.T) {
	t.Parallel()

	configPath := seedLedger(t)
	var out, errOut bytes.Buffer
	if code := runStats([]string{"-config", configPath, "-format", "json", "-days", "1"}, &out, &errOut); code != 0 {
		t.Fatalf("runStats()=%d, stderr=%q", code, errOut.String())
	}

	var document statsDocument
	if err := json.Unmarshal(out.Bytes(), &document); err != nil {
		t.Fatalf("parse stats json: %v", err)
	}
	if document.SchemaVersion != statsSchemaVersion || document.WindowDays != 1 {
		t.Fatalf("document=%+v", document)
	}
	if document.TraceCount != 1 || document.TotalTokens != 1500 {
		t.Fatalf("aggregates=%+v", document)
	}
}

func TestRunStatsUsesConfiguredWindow(t *testing.T) {
	t.Parallel()

	configPath := seedLedger(t)
	var out, errOut bytes.Buffer
	if code := runStats([]string{"-config", configPath, "-format", "json"}, &out, &errOut); code != 0 {
		t.Fatalf("runStats()=%d, stderr=%q", code, errOut.String())
	}

	var document statsDocument
	if err := json.Unmarshal(out.Bytes(), &document); err != nil {
		t.Fatalf("parse stats json: %v", err)
	}
	if document.WindowDays != 7 {
		t.Fatalf("window_days=%d, want configured default 7", document.WindowDays)
	}
}

func TestRunStatsText(t *testing.T) {
	t.Parallel()

	configPath := seedLedger(t)
	var out, errOut bytes.Buffer
	if code := runStats([]string{"-config", configPath}, &out, &errOut); code != 0 {
		t.Fatalf("runStats()=%d, stderr=%q", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Spanledger Stats") {
		t.Fatalf("missing header: %q", out.String())
	}
	if !strings.Contains(out.String(), "Total tokens") {
		t.Fatalf("missing totals: %q", out.String())
	}
}

func TestRunStatsRejectsBadFlags(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args []string
	}{
		{"bad format", []string{"-format", "yaml"}},
		{"negative days", []string{"-days", "-1"}},
		{"excess days", []string{"-days", "9000"}},
		{"positional", []string{"extra"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out, errOut bytes.Buffer
			if code := runStats(tc.args, &out, &errOut); code != 2 {
				t.Fatalf("runStats(%v)=%d, want 2", tc.args, code)
			}
		})
	}
}
