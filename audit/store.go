// Package audit persists trace records, operator feedback and retrieval
// logs in SQLite.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c360studio/examgate/pipeline"

	_ "modernc.org/sqlite"
)

// Store wraps an SQLite connection holding the audit tables.
type Store struct {
	conn   *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens the database at path, creating parent directories, and applies
// pending migrations.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// Pragmas are per connection.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{
		conn:   conn,
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	s.logger.Debug("Audit store opened", "path", path)
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

var migrations = []struct {
	version int
	sql     string
}{
	{1, migrationV1Traces},
	{2, migrationV2Feedback},
	{3, migrationV3Retrieval},
}

const migrationV1Traces = `
CREATE TABLE IF NOT EXISTS traces (
	trace_id TEXT PRIMARY KEY,
	scenario_id TEXT,
	tenant_id TEXT,
	client_ip TEXT,
	status TEXT NOT NULL,
	request_meta TEXT,
	policy TEXT,
	result TEXT,
	error TEXT,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_traces_scenario ON traces(scenario_id);
CREATE INDEX IF NOT EXISTS idx_traces_updated ON traces(updated_at);
`

const migrationV2Feedback = `
CREATE TABLE IF NOT EXISTS feedback (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL REFERENCES traces(trace_id) ON DELETE CASCADE,
	label TEXT NOT NULL,
	score REAL,
	comment TEXT,
	operator TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_trace ON feedback(trace_id);
`

const migrationV3Retrieval = `
CREATE TABLE IF NOT EXISTS retrieval (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL,
	event TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_retrieval_trace ON retrieval(trace_id);
`

func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion returns the latest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	var v int
	err := s.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *Store) transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RecordProcessing opens (or reopens) the record for t.TraceID with status
// processing. A reused trace id discards the earlier outcome.
func (s *Store) RecordProcessing(ctx context.Context, t Trace) error {
	meta, err := encodeJSON(t.RequestMeta)
	if err != nil {
		return fmt.Errorf("encode request meta: %w", err)
	}
	policy, err := encodeJSON(t.Policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	now := formatTime(s.now())

	_, err = s.exec(ctx, `
		INSERT INTO traces (trace_id, scenario_id, tenant_id, client_ip, status, request_meta, policy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			scenario_id = excluded.scenario_id,
			tenant_id = excluded.tenant_id,
			client_ip = excluded.client_ip,
			status = excluded.status,
			request_meta = excluded.request_meta,
			policy = excluded.policy,
			result = NULL,
			error = NULL,
			latency_ms = 0,
			completed_at = NULL,
			updated_at = excluded.updated_at
	`, t.TraceID, t.ScenarioID, t.TenantID, t.ClientIP, StatusProcessing, meta, policy, now, now)
	if err != nil {
		return fmt.Errorf("record trace %s: %w", t.TraceID, err)
	}
	return nil
}

// Complete stores the result of a finished trace.
func (s *Store) Complete(ctx context.Context, traceID string, result *pipeline.Result, latency time.Duration) error {
	body, err := encodeJSON(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.finish(ctx, traceID, StatusCompleted, body, nil, latency)
}

// Fail stores the error a trace ended with.
func (s *Store) Fail(ctx context.Context, traceID string, info ErrorInfo, latency time.Duration) error {
	if info.Details == nil {
		info.Details = map[string]any{}
	}
	body, err := encodeJSON(&info)
	if err != nil {
		return fmt.Errorf("encode error: %w", err)
	}
	return s.finish(ctx, traceID, StatusError, nil, body, latency)
}

func (s *Store) finish(ctx context.Context, traceID, status string, result, failure any, latency time.Duration) error {
	now := formatTime(s.now())
	res, err := s.exec(ctx, `
		UPDATE traces SET status = ?, result = ?, error = ?, latency_ms = ?, completed_at = ?, updated_at = ?
		WHERE trace_id = ?
	`, status, result, failure, latency.Milliseconds(), now, now, traceID)
	if err != nil {
		return fmt.Errorf("update trace %s: %w", traceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, traceID)
	}
	return nil
}

// AddFeedback appends f to its trace. Feedback for an unknown trace creates
// a record with status feedback_received; a known trace keeps its status.
func (s *Store) AddFeedback(ctx context.Context, f Feedback) error {
	operator, err := encodeMap(f.Operator)
	if err != nil {
		return fmt.Errorf("encode operator: %w", err)
	}
	at := f.At
	if at.IsZero() {
		at = s.now()
	}
	ts := formatTime(at)

	var score any
	if f.Score != nil {
		score = *f.Score
	}

	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO traces (trace_id, scenario_id, tenant_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(trace_id) DO UPDATE SET updated_at = excluded.updated_at
		`, f.TraceID, f.ScenarioID, f.TenantID, StatusFeedbackReceived, ts, ts); err != nil {
			return fmt.Errorf("touch trace %s: %w", f.TraceID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feedback (trace_id, label, score, comment, operator, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, f.TraceID, f.Label, score, f.Comment, operator, ts); err != nil {
			return fmt.Errorf("insert feedback for %s: %w", f.TraceID, err)
		}
		return nil
	})
}

// AppendRetrieval stores a retrieval plan or outcome record as JSON.
func (s *Store) AppendRetrieval(ctx context.Context, traceID, event string, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", event, err)
	}
	if _, err := s.exec(ctx, `
		INSERT INTO retrieval (trace_id, event, payload, created_at) VALUES (?, ?, ?, ?)
	`, traceID, event, string(payload), formatTime(s.now())); err != nil {
		return fmt.Errorf("append %s for %s: %w", event, traceID, err)
	}
	return nil
}

// ListRetrieval returns traceID's retrieval records in insertion order.
func (s *Store) ListRetrieval(ctx context.Context, traceID string) ([]RetrievalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT trace_id, event, payload, created_at FROM retrieval WHERE trace_id = ? ORDER BY id
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query retrieval for %s: %w", traceID, err)
	}
	defer rows.Close()

	entries := []RetrievalEntry{}
	for rows.Next() {
		var (
			e       RetrievalEntry
			payload string
			created string
		)
		if err := rows.Scan(&e.TraceID, &e.Event, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan retrieval row: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt, _ = parseTime(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns the record for traceID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, traceID string) (*Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var (
		t                              Trace
		scenarioID, tenantID, clientIP sql.NullString
		meta, policy, result, failure  sql.NullString
		completedAt                    sql.NullString
		created, updated               string
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT trace_id, scenario_id, tenant_id, client_ip, status, request_meta, policy, result, error,
			latency_ms, created_at, updated_at, completed_at
		FROM traces WHERE trace_id = ?
	`, traceID).Scan(&t.TraceID, &scenarioID, &tenantID, &clientIP, &t.Status, &meta, &policy, &result, &failure,
		&t.LatencyMS, &created, &updated, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, traceID)
	}
	if err != nil {
		return nil, fmt.Errorf("query trace %s: %w", traceID, err)
	}

	t.ScenarioID = scenarioID.String
	t.TenantID = tenantID.String
	t.ClientIP = clientIP.String
	t.CreatedAt, _ = parseTime(created)
	t.UpdatedAt, _ = parseTime(updated)
	t.CompletedAt = parseNullableTime(completedAt)

	if err := decodeJSON(meta, &t.RequestMeta); err != nil {
		return nil, fmt.Errorf("decode request meta: %w", err)
	}
	if err := decodeJSON(policy, &t.Policy); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	if err := decodeJSON(result, &t.Result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if err := decodeJSON(failure, &t.Error); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}

	feedback, err := s.feedbackFor(ctx, traceID)
	if err != nil {
		return nil, err
	}
	t.Feedback = feedback
	return &t, nil
}

// feedbackFor must be called with s.mu held.
func (s *Store) feedbackFor(ctx context.Context, traceID string) ([]Feedback, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT label, score, comment, operator, created_at FROM feedback WHERE trace_id = ? ORDER BY id
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query feedback for %s: %w", traceID, err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var (
			f                 Feedback
			score             sql.NullFloat64
			comment, operator sql.NullString
			created           string
		)
		if err := rows.Scan(&f.Label, &score, &comment, &operator, &created); err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		if score.Valid {
			v := score.Float64
			f.Score = &v
		}
		f.TraceID = traceID
		f.Comment = comment.String
		if err := decodeJSON(operator, &f.Operator); err != nil {
			return nil, fmt.Errorf("decode operator: %w", err)
		}
		f.At, _ = parseTime(created)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Purge deletes traces (with their feedback) and retrieval records last
// updated before now minus olderThan. It returns the number of traces
// removed.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(s.now().Add(-olderThan))

	var removed int64
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM traces WHERE updated_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("purge traces: %w", err)
		}
		if removed, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM retrieval WHERE created_at < ?`, cutoff); err != nil {
			return fmt.Errorf("purge retrieval: %w", err)
		}
		return nil
	})
	return removed, err
}

// Run purges records older than retention every interval until ctx is
// done. A non-positive retention disables purging.
func (s *Store) Run(ctx context.Context, retention, interval time.Duration) error {
	if retention <= 0 {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Purge(ctx, retention)
			if err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				s.logger.Warn("Audit purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("Purged audit traces", "count", n, "retention", retention)
			}
		}
	}
}

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// encodeJSON returns nil for a nil pointer so the column stays NULL.
func encodeJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func encodeMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}
