package span

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spanledger/spanledger/migrations"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists spans and conversation logs in a local SQLite file.
type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when callers mutate concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertSpan(ctx context.Context, span *Span) error {
	if span == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeSpan(span)
	err := retrySQLiteBusy(ctx, func() error {
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID,
			row.TraceID,
			nullIfEmpty(row.ParentSpanID),
			row.Name,
			string(row.Kind),
			nullIfEmpty(row.Model),
			nullIfEmpty(row.Input),
			nullIfEmpty(row.Output),
			row.InputTokens,
			row.OutputTokens,
			row.TotalTokens,
			row.LatencyMS,
			row.CostUSD,
			string(row.Status),
			nullIfEmpty(row.ErrorMessage),
			nullIfEmpty(row.Metadata),
			row.StartedAt,
			nullableTime(row.EndedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert span %q: %w", row.ID, err)
	}

	return nil
}

func (s *SQLiteStore) LookupSpan(ctx context.Context, id string) (*Span, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+spanSelectColumns+" FROM spans WHERE id = ? LIMIT 1", id)
	item, err := scanSpanRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup span %q: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) CloseSpan(ctx context.Context, id string, update CloseUpdate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeCloseUpdate(update)
	var affected int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE spans SET
    output = ?,
    input_tokens = ?,
    output_tokens = ?,
    total_tokens = ?,
    latency_ms = ?,
    cost_usd = ?,
    status = ?,
    error_message = ?,
    ended_at = ?
WHERE id = ?`,
			nullIfEmpty(row.Output),
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
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("close span %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLiteStore) InsertConversationLog(ctx context.Context, entry *ConversationLog) error {
	if entry == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeConversationLog(entry)
	err := retrySQLiteBusy(ctx, func() error {
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
			nullIfEmpty(row.Metadata),
			row.StartedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert conversation log: %w", err)
	}

	return nil
}

func (s *SQLiteStore) RecentTraces(ctx context.Context, limit int) ([]*Span, error) {
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+spanSelectColumns+" FROM spans WHERE parent_span_id IS NULL ORDER BY started_at DESC, id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent traces: %w", err)
	}
	defer rows.Close()

	return collectSpanRows(rows)
}

func (s *SQLiteStore) SpansOfTrace(ctx context.Context, traceID string) ([]*Span, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+spanSelectColumns+" FROM spans WHERE trace_id = ? ORDER BY started_at ASC, id ASC",
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query spans of trace %q: %w", traceID, err)
	}
	defer rows.Close()

	return collectSpanRows(rows)
}

func (s *SQLiteStore) StatsOver(ctx context.Context, days int) (*Stats, error) {
	if days <= 0 {
		days = 1
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	stats := &Stats{}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT trace_id) FROM spans WHERE started_at >= ?`, since)
	if err := row.Scan(&stats.TraceCount); err != nil {
		return nil, fmt.Errorf("query trace count: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
FROM spans WHERE kind = ? AND started_at >= ?`, string(KindGeneration), since)
	if err := row.Scan(&stats.TotalTokens, &stats.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query generation totals: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(latency_ms), 0)
FROM spans WHERE parent_span_id IS NULL AND started_at >= ?`, since)
	if err := row.Scan(&stats.AvgLatencyMS); err != nil {
		return nil, fmt.Errorf("query root latency average: %w", err)
	}

	var total, failed int64
	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
FROM spans WHERE started_at >= ?`, string(StatusError), since)
	if err := row.Scan(&total, &failed); err != nil {
		return nil, fmt.Errorf("query error counts: %w", err)
	}
	if total > 0 {
		stats.ErrorRate = float64(failed) / float64(total)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_logs WHERE started_at >= ?`, since)
	if err := row.Scan(&stats.ConversationCount); err != nil {
		return nil, fmt.Errorf("query conversation count: %w", err)
	}

	return stats, nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention with bounded backoff;
// any other failure surfaces immediately.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

const spanSelectColumns = `
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
CAST(started_at AS TEXT),
CAST(ended_at AS TEXT)
`

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSpanRow(scanner rowScanner) (*Span, error) {
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
		startedText  sql.NullString
		endedText    sql.NullString
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
		&startedText,
		&endedText,
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

	if startedText.Valid {
		parsed, err := parseSQLTimestamp(startedText.String)
		if err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", startedText.String, err)
		}
		item.StartedAt = parsed
	}
	if endedText.Valid && strings.TrimSpace(endedText.String) != "" {
		parsed, err := parseSQLTimestamp(endedText.String)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at %q: %w", endedText.String, err)
		}
		item.EndedAt = &parsed
	}

	return &item, nil
}

func collectSpanRows(rows *sql.Rows) ([]*Span, error) {
	items := make([]*Span, 0)
	for rows.Next() {
		item, err := scanSpanRow(rows)
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

func parseSQLTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sql datetime format")
}

func normalizeSpan(in *Span) *Span {
	row := *in
	now := time.Now().UTC()

	if row.StartedAt.IsZero() {
		row.StartedAt = now
	}
	row.StartedAt = row.StartedAt.UTC()
	if row.Kind == "" {
		row.Kind = KindSpan
	}
	if row.Status == "" {
		row.Status = StatusRunning
	}
	if row.TotalTokens == 0 {
		row.TotalTokens = row.InputTokens + row.OutputTokens
	}

	return &row
}

func normalizeCloseUpdate(in CloseUpdate) CloseUpdate {
	row := in
	if row.EndedAt.IsZero() {
		row.EndedAt = time.Now().UTC()
	}
	row.EndedAt = row.EndedAt.UTC()
	if row.Status == "" {
		row.Status = StatusSuccess
	}
	if row.TotalTokens == 0 {
		row.TotalTokens = row.InputTokens + row.OutputTokens
	}
	return row
}

func normalizeConversationLog(in *ConversationLog) *ConversationLog {
	row := *in
	if row.StartedAt.IsZero() {
		row.StartedAt = time.Now().UTC()
	}
	row.StartedAt = row.StartedAt.UTC()
	if row.Status == "" {
		row.Status = StatusSuccess
	}
	if row.TotalTokens == 0 {
		row.TotalTokens = row.InputTokens + row.OutputTokens
	}
	return &row
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC()
}
