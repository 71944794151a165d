// Package spanledger records hierarchical spans around AI model calls,
// stitches them into traces, and rolls token and cost totals up to each
// trace root. Callers thread the returned context through their call
// tree; the active trace travels with it.
package spanledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spanledger/spanledger/internal/config"
	"github.com/spanledger/spanledger/internal/observability"
	"github.com/spanledger/spanledger/internal/span"
	"github.com/spanledger/spanledger/internal/tracer"
	"github.com/spanledger/spanledger/internal/version"
)

// Re-exported record and option types so callers never import internal
// packages.
type (
	Span              = span.Span
	ConversationLog   = span.ConversationLog
	Kind              = span.Kind
	Status            = span.Status
	Stats             = span.Stats
	Active            = tracer.Active
	SpanOptions       = tracer.SpanOptions
	EndSpanOptions    = tracer.EndSpanOptions
	EndTraceOptions   = tracer.EndTraceOptions
	ConversationEntry = tracer.ConversationEntry
	Metrics           = tracer.Metrics
)

const (
	KindGeneration = span.KindGeneration
	KindSpan       = span.KindSpan
	KindEvent      = span.KindEvent

	StatusRunning = span.StatusRunning
	StatusSuccess = span.StatusSuccess
	StatusError   = span.StatusError
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = span.ErrNotFound

// Options configures an Engine. The zero value uses a SQLite store at
// the default path.
type Options struct {
	// Driver selects the store backend: "sqlite" (default) or "postgres".
	Driver string
	// Path is the SQLite database file path.
	Path string
	// DSN is the Postgres connection string.
	DSN string
	// Logger receives engine warnings; slog.Default() when nil.
	Logger *slog.Logger
}

// Engine owns a span store and the tracer on top of it.
type Engine struct {
	store  span.Store
	tracer *tracer.Tracer
	logger *slog.Logger
}

// New opens a store per the options and builds an engine over it.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	driver := strings.TrimSpace(opts.Driver)
	if driver == "" {
		driver = "sqlite"
	}

	var (
		store span.Store
		err   error
	)
	switch driver {
	case "sqlite":
		path := strings.TrimSpace(opts.Path)
		if path == "" {
			path = config.Default().Storage.Path
		}
		store, err = span.NewSQLiteStore(path)
	case "postgres":
		store, err = span.NewPostgresStore(opts.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:  store,
		tracer: tracer.New(store, logger),
		logger: logger,
	}, nil
}

// SetMetrics installs metric callbacks, typically from an
// observability.Runtime.
func (e *Engine) SetMetrics(m Metrics) {
	e.tracer.SetMetrics(&m)
}

// StartTrace opens a new trace and returns a context carrying it.
func (e *Engine) StartTrace(ctx context.Context, name string, metadata map[string]any) (context.Context, Active, error) {
	return e.tracer.StartTrace(ctx, name, metadata)
}

// StartSpan opens a child span under the context's active trace.
func (e *Engine) StartSpan(ctx context.Context, name string, opts SpanOptions) (context.Context, string, error) {
	return e.tracer.StartSpan(ctx, name, opts)
}

// EndSpan closes a span and returns the context with the parent span
// restored as active.
func (e *Engine) EndSpan(ctx context.Context, spanID string, opts EndSpanOptions) (context.Context, error) {
	return e.tracer.EndSpan(ctx, spanID, opts)
}

// EndTrace closes the context's active trace, rolling generation-span
// totals up to the root.
func (e *Engine) EndTrace(ctx context.Context, opts EndTraceOptions) (context.Context, error) {
	return e.tracer.EndTrace(ctx, opts)
}

// CurrentTraceID returns the context's active trace id, or "".
func (e *Engine) CurrentTraceID(ctx context.Context) string {
	return e.tracer.CurrentTraceID(ctx)
}

// LogConversation records a one-shot exchange against the active trace.
func (e *Engine) LogConversation(ctx context.Context, entry ConversationEntry) error {
	return e.tracer.LogConversation(ctx, entry)
}

// RecentTraces returns root spans, newest first.
func (e *Engine) RecentTraces(ctx context.Context, limit int) ([]*Span, error) {
	return e.store.RecentTraces(ctx, limit)
}

// SpansOfTrace returns every span of a trace in start order.
func (e *Engine) SpansOfTrace(ctx context.Context, traceID string) ([]*Span, error) {
	return e.store.SpansOfTrace(ctx, traceID)
}

// StatsOver aggregates activity over the trailing window of whole days.
func (e *Engine) StatsOver(ctx context.Context, days int) (*Stats, error) {
	return e.store.StatsOver(ctx, days)
}

// Close releases the underlying store.
func (e *Engine) Close() error {
	return e.store.Close()
}

var (
	defaultOnce   sync.Once
	defaultEngine *Engine
	defaultErr    error
)

// Default returns the process-wide engine, resolving the store from the
// environment (SPANLEDGER_STORAGE_*) exactly once at first use.
func Default() (*Engine, error) {
	defaultOnce.Do(func() {
		cfg, err := config.Load("")
		if err != nil {
			defaultErr = fmt.Errorf("resolve storage config: %w", err)
			return
		}
		if err := config.Validate(cfg); err != nil {
			defaultErr = fmt.Errorf("resolve storage config: %w", err)
			return
		}
		logger := observability.NewLogger(cfg.Logging)
		engine, err := New(Options{
			Driver: cfg.Storage.Driver,
			Path:   cfg.Storage.Path,
			DSN:    cfg.Storage.DSN,
			Logger: logger,
		})
		if err != nil {
			defaultErr = err
			return
		}

		// Metric export is best-effort; the ledger works without it.
		runtime, err := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
		if err != nil {
			logger.Warn("opentelemetry setup failed, continuing without export", "error", err)
		} else if runtime.Enabled() {
			engine.SetMetrics(runtime.TracerMetrics())
		}

		defaultEngine = engine
	})
	return defaultEngine, defaultErr
}

// Package-level surface delegating to the default engine.

func StartTrace(ctx context.Context, name string, metadata map[string]any) (context.Context, Active, error) {
	engine, err := Default()
	if err != nil {
		return ctx, Active{}, err
	}
	return engine.StartTrace(ctx, name, metadata)
}

func StartSpan(ctx context.Context, name string, opts SpanOptions) (context.Context, string, error) {
	engine, err := Default()
	if err != nil {
		return ctx, "", err
	}
	return engine.StartSpan(ctx, name, opts)
}

func EndSpan(ctx context.Context, spanID string, opts EndSpanOptions) (context.Context, error) {
	engine, err := Default()
	if err != nil {
		return ctx, err
	}
	return engine.EndSpan(ctx, spanID, opts)
}

func EndTrace(ctx context.Context, opts EndTraceOptions) (context.Context, error) {
	engine, err := Default()
	if err != nil {
		return ctx, err
	}
	return engine.EndTrace(ctx, opts)
}

func CurrentTraceID(ctx context.Context) string {
	engine, err := Default()
	if err != nil {
		return ""
	}
	return engine.CurrentTraceID(ctx)
}

func LogConversation(ctx context.Context, entry ConversationEntry) error {
	engine, err := Default()
	if err != nil {
		return err
	}
	return engine.LogConversation(ctx, entry)
}

func RecentTraces(ctx context.Context, limit int) ([]*Span, error) {
	engine, err := Default()
	if err != nil {
		return nil, err
	}
	return engine.RecentTraces(ctx, limit)
}

func SpansOfTrace(ctx context.Context, traceID string) ([]*Span, error) {
	engine, err := Default()
	if err != nil {
		return nil, err
	}
	return engine.SpansOfTrace(ctx, traceID)
}

func StatsOver(ctx context.Context, days int) (*Stats, error) {
	engine, err := Default()
	if err != nil {
		return nil, err
	}
	return engine.StatsOver(ctx, days)
}
