package span

import "time"

// Kind classifies what a span recorded.
type Kind string

const (
	// KindGeneration marks a billable model call; only generation spans
	// contribute to cost and token rollups.
	KindGeneration Kind = "generation"
	// KindSpan marks generic work.
	KindSpan Kind = "span"
	// KindEvent marks an instantaneous marker.
	KindEvent Kind = "event"
)

// Status is the span lifecycle state. Running spans transition exactly once
// to a terminal state at close time.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Span is one recorded unit of work. A trace is the set of spans sharing a
// TraceID, rooted at the single span whose ParentSpanID is empty.
//
// Input, Output, and Metadata are opaque serialized payloads; the engine
// stores them verbatim and never parses them.
type Span struct {
	ID           string
	TraceID      string
	ParentSpanID string
	Name         string
	Kind         Kind
	Model        string
	Input        string
	Output       string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	LatencyMS    int64
	CostUSD      float64
	Status       Status
	ErrorMessage string
	Metadata     string
	StartedAt    time.Time
	EndedAt      *time.Time
}

// IsRoot reports whether the span is the root of its trace.
func (s *Span) IsRoot() bool {
	return s != nil && s.ParentSpanID == ""
}

// ConversationLog is a one-shot logged exchange. It shares the trace id
// namespace with spans purely for cross-referencing; it has no parent/child
// relationship to any span and is never updated after insert.
type ConversationLog struct {
	ID           int64
	TraceID      string
	Source       string
	Question     string
	Answer       string
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	LatencyMS    int64
	CostUSD      float64
	Status       Status
	ErrorMessage string
	Metadata     string
	StartedAt    time.Time
}
