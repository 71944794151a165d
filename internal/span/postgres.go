package span

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/spanledger/spanledger/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists spans and conversation logs in Postgres.
type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertSpan(ctx context.Context, span *Span) error {
	if span == nil {
		return nil
	}

	row := normalizeSpan(span)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO spans (
    id,
    trace_id,
    parent_span_id,
    name,
    kind,
    model,
    input,
    output,
    input_tokens,
    output_tokens,
    total_tokens,
    latency_ms,
    cost_usd,
    status,
    error_message,
    metadata,
    started_at,
    ended_at
) VALUES (
    $1,
    $2,
    $3,
    $4,
    $5,
    $6,
    NULLIF($7, '')::jsonb,
    NULLIF($8, '')::jsonb,
    $9,
    $10,
    $11,
    $12,
    $13,
    $14,
    $15,
    NULLIF($16, '')::jsonb,
    $17,
    $18
)`,
		row.ID,
		row.TraceID,
		nullIfEmpty(row.ParentSpanID),
		row.Name,
		string(row.Kind),
		nullIfEmpty(row.Model),
		row.Input,
		row.Output,
		row.InputTokens,
		row.OutputTokens,
		row.TotalTokens,
		row.LatencyMS,
		row.CostUSD,
		string(row.Status),
		nullIfEmpty(row.ErrorMessage),
		row.Metadata,
		row.StartedAt,
		nullableTime(row.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert span %q: %w", row.ID, err)
	}

	return nil
}

func (s *PostgresStore) LookupSpan(ctx context.Context, id string) (*Span, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+pgSpanSelectColumns+" FROM spans WHERE id = $1 LIMIT 1", id)
	item, err := scanPGSpanRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup span %q: %w", id, err)
	}
	return item, nil
}

func (s *PostgresStore) CloseSpan(ctx context.Context, id string, update CloseUpdate) error {
	row := normalizeCloseUpdate(update)
	res, err := s.db.ExecContext(ctx, `
UPDATE spans SET
    output = NULLIF($1, '')::jsonb,
    input_tokens = $2,
    output_tokens = $3,
    total_tokens = $4,
    latency_ms = $5,
    cost_usd = $6,
    status = $7,
    error_message = $8,
    ended_at = $9
WHERE id = $10`,
		row.Output,
		row.InputTokens,
		row.OutputTokens,
		row.TotalTokens,
		row.LatencyMS,
		row.CostUSD,
		string(row.Status),
		nullIfEmpty(row.ErrorMessage),
		row.EndedAt,
		id,
	)
	if err != nil {
		return fmt.Errorf("close span %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read close span row count: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) InsertConversationLog(ctx context.Context, entry *ConversationLog) error {
	if entry == nil {
		return nil
	}

	row := normalizeConversationLog(entry)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversation_logs (
    trace_id,
    source,
    question,
    answer,
    model,
    input_tokens,
    output_tokens,
    total_tokens,
    latency_ms,
    cost_usd,
    status,
    error_message,
    metadata,
    started_at
) VALUES (
    $1,
    $2,
    $3,
    $4,
    $5,
    $6,
    $7,
    $8,
    $9,
    $10,
    $11,
    $12,
    NULLIF($13, '')::jsonb,
    $14
)`,
		nullIfEmpty(row.TraceID),
		nullIfEmpty(row.Source),
		row.Question,
		row.Answer,
		nullIfEmpty(row.Model),
		row.InputTokens,
		row.OutputTokens,
		row.TotalTokens,
		row.LatencyMS,
		row.CostUSD,
		string(row.Status),
		nullIfEmpty(row.ErrorMessage),
		row.Metadata,
		row.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert conversation log: %w", err)
	}

	return nil
}

func (s *PostgresStore) RecentTraces(ctx context.Context, limit int) ([]*Span, error) {
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+pgSpanSelectColumns+" FROM spans WHERE parent_span_id IS NULL ORDER BY started_at DESC, id DESC LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent traces: %w", err)
	}
	defer rows.Close()

	return collectPGSpanRows(rows)
}

func (s *PostgresStore) SpansOfTrace(ctx context.Context, traceID string) ([]*Span, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+pgSpanSelectColumns+" FROM spans WHERE trace_id = $1 ORDER BY started_at ASC, id ASC",
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query spans of trace %q: %w", traceID, err)
	}
	defer rows.Close()

	return collectPGSpanRows(rows)
}

func (s *PostgresStore) StatsOver(ctx context.Context, days int) (*Stats, error) {
	if days <= 0 {
		days = 1
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	stats := &Stats{}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT trace_id) FROM spans WHERE started_at >= $1`, since)
	if err := row.Scan(&stats.TraceCount); err != nil {
		return nil, fmt.Errorf("query trace count: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
FROM spans WHERE kind = $1 AND started_at >= $2`, string(KindGeneration), since)
	if err := row.Scan(&stats.TotalTokens, &stats.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query generation totals: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(latency_ms), 0)
FROM spans WHERE parent_span_id IS NULL AND started_at >= $1`, since)
	if err := row.Scan(&stats.AvgLatencyMS); err != nil {
		return nil, fmt.Errorf("query root latency average: %w", err)
	}

	var total, failed int64
	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0)
FROM spans WHERE started_at >= $2`, string(StatusError), since)
	if err := row.Scan(&total, &failed); err != nil {
		return nil, fmt.Errorf("query error counts: %w", err)
	}
	if total > 0 {
		stats.ErrorRate = float64(failed) / float64(total)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_logs WHERE started_at >= $1`, since)
	if err := row.Scan(&stats.ConversationCount); err != nil {
		return nil, fmt.Errorf("query conversation count: %w", err)
	}

	return stats, nil
}

const pgSpanSelectColumns = `
id,
trace_id,
parent_span_id,
name,
kind,
model,
input::text,
output::text,
input_tokens,
output_tokens,
total_tokens,
latency_ms,
cost_usd,
status,
error_message,
metadata::text,
started_at,
ended_at
`

func scanPGSpanRow(scanner rowScanner) (*Span, error) {
	var (
		item         Span
		parentSpanID sql.NullString
		model        sql.NullString
		input        sql.NullString
		output       sql.NullString
		inputTokens  sql.NullInt64
		outputTokens sql.NullInt64
		totalTokens  sql.NullInt64
		latencyMS    sql.NullInt64
		costUSD      sql.NullFloat64
		errorMessage sql.NullString
		metadata     sql.NullString
		startedAt    time.Time
		endedAt      sql.NullTime
	)

	if err := scanner.Scan(
		&item.ID,
		&item.TraceID,
		&parentSpanID,
		&item.Name,
		(*string)(&item.Kind),
		&model,
		&input,
		&output,
		&inputTokens,
		&outputTokens,
		&totalTokens,
		&latencyMS,
		&costUSD,
		(*string)(&item.Status),
		&errorMessage,
		&metadata,
		&startedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}

	if parentSpanID.Valid {
		item.ParentSpanID = parentSpanID.String
	}
	if model.Valid {
		item.Model = model.String
	}
	if input.Valid {
		item.Input = input.String
	}
	if output.Valid {
		item.Output = output.String
	}
	if inputTokens.Valid {
		item.InputTokens = int(inputTokens.Int64)
	}
	if outputTokens.Valid {
		item.OutputTokens = int(outputTokens.Int64)
	}
	if totalTokens.Valid {
		item.TotalTokens = int(totalTokens.Int64)
	}
	if latencyMS.Valid {
		item.LatencyMS = latencyMS.Int64
	}
	if costUSD.Valid {
		item.CostUSD = costUSD.Float64
	}
	if errorMessage.Valid {
		item.ErrorMessage = errorMessage.String
	}
	if metadata.Valid {
		item.Metadata = metadata.String
	}

	item.StartedAt = startedAt.UTC()
	if endedAt.Valid {
		ended := endedAt.Time.UTC()
		item.EndedAt = &ended
	}

	return &item, nil
}

func collectPGSpanRows(rows *sql.Rows) ([]*Span, error) {
	items := make([]*Span, 0)
	for rows.Next() {
		item, err := scanPGSpanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}
	return items, nil
}
