package observability

import (
	"context"
	"testing"

	"github.com/spanledger/spanledger/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	t.Parallel()

	runtime, err := Setup(context.Background(), config.OTelConfig{Enabled: false}, "test", nil)
	if err != nil {
		t.Fatalf("Setup(disabled) error: %v", err)
	}
	if runtime.Enabled() {
		t.Fatal("runtime should report disabled")
	}

	// Disabled hooks must be safe no-ops.
	metrics := runtime.TracerMetrics()
	if metrics.OnSpanStart != nil || metrics.OnSpanEnd != nil || metrics.OnStoreError != nil {
		t.Fatal("disabled runtime should return zero metric callbacks")
	}
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown(disabled) error: %v", err)
	}
}

func TestNilRuntimeIsSafe(t *testing.T) {
	t.Parallel()

	var runtime *Runtime
	if runtime.Enabled() {
		t.Fatal("nil runtime should report disabled")
	}
	if err := runtime.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown(nil) error: %v", err)
	}
}

func TestNormalizeOTLPEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		raw          string
		wantEndpoint string
		wantInsecure bool
		wantErr      bool
	}{
		{"bare host", "collector:4318", "collector:4318", false, false},
		{"http url", "http://collector:4318", "collector:4318", true, false},
		{"https url", "https://collector:4318", "collector:4318", false, false},
		{"empty", "   ", "", false, true},
		{"bad scheme", "grpc://collector:4317", "", false, true},
		{"missing host", "http://", "", false, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			endpoint, insecure, err := normalizeOTLPEndpoint(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("normalizeOTLPEndpoint(%q) should fail", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeOTLPEndpoint(%q) error: %v", tc.raw, err)
			}
			if endpoint != tc.wantEndpoint || insecure != tc.wantInsecure {
				t.Fatalf("normalizeOTLPEndpoint(%q)=%q,%v", tc.raw, endpoint, insecure)
			}
		})
	}
}

func TestNewLoggerFormats(t *testing.T) {
	t.Parallel()

	if logger := NewLogger(config.LoggingConfig{Level: "debug", Format: "json"}); logger == nil {
		t.Fatal("NewLogger(json) returned nil")
	}
	if logger := NewLogger(config.LoggingConfig{Level: "warn", Format: "text"}); logger == nil {
		t.Fatal("NewLogger(text) returned nil")
	}
}
