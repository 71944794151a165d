package span

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that no span row matched the requested id. Callers
// treat it as a recoverable condition, not a fault.
var ErrNotFound = errors.New("span store record not found")

// CloseUpdate carries everything CloseSpan writes in its single UPDATE.
// CostUSD and LatencyMS are derived by the tracer, never by callers.
type CloseUpdate struct {
	Output       string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	LatencyMS    int64
	CostUSD      float64
	Status       Status
	ErrorMessage string
	EndedAt      time.Time
}

// Stats aggregates activity over a trailing time window.
type Stats struct {
	TraceCount        int64
	TotalTokens       int64
	TotalCostUSD      float64
	AvgLatencyMS      float64
	ErrorRate         float64
	ConversationCount int64
}

// Store is durable append/close-once access to spans and conversation logs.
// Mutations propagate store failures to the caller; the engine performs no
// retries beyond bounded lock-contention backoff inside a driver.
type Store interface {
	// InsertSpan writes a new running span.
	InsertSpan(ctx context.Context, s *Span) error
	// LookupSpan returns the span with the given id, or ErrNotFound.
	LookupSpan(ctx context.Context, id string) (*Span, error)
	// CloseSpan applies the close-time UPDATE. It returns ErrNotFound when
	// the id matches no row; no other row is touched in that case.
	CloseSpan(ctx context.Context, id string, update CloseUpdate) error
	// InsertConversationLog writes a fully populated log row once.
	InsertConversationLog(ctx context.Context, entry *ConversationLog) error

	// RecentTraces returns root spans ordered by started_at descending.
	RecentTraces(ctx context.Context, limit int) ([]*Span, error)
	// SpansOfTrace returns every span of a trace ordered by started_at ascending.
	SpansOfTrace(ctx context.Context, traceID string) ([]*Span, error)
	// StatsOver aggregates the window [now - days, now].
	StatsOver(ctx context.Context, days int) (*Stats, error)

	Close() error
}
