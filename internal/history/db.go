// Package history stores finished runs in SQLite for listing and
// cross-run statistics.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChamsBouzaiene/juno/internal/engine"
)

// RunRecord is one row of the runs table.
type RunRecord struct {
	RequestID        string
	SessionID        string
	Subagent         string
	Model            string
	WorkingDirectory string
	Status           engine.ExecutionStatus
	Error            string
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
	Statistics       engine.ExecutionStatistics
}

// IterationRecord is one row of the iterations table.
type IterationRecord struct {
	RequestID  string
	Iteration  int
	Success    bool
	Duration   time.Duration
	ToolCalls  int
	Events     int
	Error      string
	ErrorClass engine.ErrorCategory
}

// Filter narrows List and Statistics. Zero values match everything.
type Filter struct {
	Status   engine.ExecutionStatus
	Subagent string
	Since    time.Time
	Limit    int
}

// DB provides run history operations.
type DB struct {
	db *sql.DB
}

// NewDB opens (creating if needed) the database at dbPath.
func NewDB(ctx context.Context, dbPath string) (*DB, error) {
	// WAL allows readers while a run is being recorded
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support multiple writers well
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &DB{db: db}
	if err := d.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		request_id            TEXT PRIMARY KEY,
		session_id            TEXT NOT NULL,
		subagent              TEXT NOT NULL,
		model                 TEXT,
		working_directory     TEXT NOT NULL,
		status                TEXT NOT NULL,
		error                 TEXT,
		start_ms              INTEGER NOT NULL,
		end_ms                INTEGER NOT NULL,
		duration_ms           INTEGER NOT NULL,
		total_iterations      INTEGER NOT NULL,
		successful_iterations INTEGER NOT NULL,
		failed_iterations     INTEGER NOT NULL,
		avg_iteration_ms      INTEGER NOT NULL,
		tool_calls            INTEGER NOT NULL,
		progress_events       INTEGER NOT NULL,
		rate_limit_encounters INTEGER NOT NULL,
		rate_limit_wait_ms    INTEGER NOT NULL,
		error_breakdown       TEXT NOT NULL,
		memory_usage          REAL NOT NULL DEFAULT 0,
		network_requests      REAL NOT NULL DEFAULT 0,
		iterations_per_minute REAL NOT NULL DEFAULT 0,
		tool_calls_per_minute REAL NOT NULL DEFAULT 0,
		events_per_second     REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_start ON runs(start_ms);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS iterations (
		request_id  TEXT NOT NULL,
		iteration   INTEGER NOT NULL,
		success     INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		tool_calls  INTEGER NOT NULL,
		events      INTEGER NOT NULL,
		error       TEXT,
		error_class TEXT,
		PRIMARY KEY (request_id, iteration),
		FOREIGN KEY (request_id) REFERENCES runs(request_id) ON DELETE CASCADE
	);
	`
	_, err := d.db.ExecContext(ctx, schema)
	return err
}

// RecordResult implements engine.ResultRecorder. Recording the same
// request twice replaces the earlier rows.
func (d *DB) RecordResult(ctx context.Context, res *engine.ExecutionResult) error {
	breakdown, err := json.Marshal(res.Statistics.ErrorBreakdown)
	if err != nil {
		return fmt.Errorf("failed to marshal error breakdown: %w", err)
	}
	var errText sql.NullString
	if res.Err != nil {
		errText = sql.NullString{String: res.Err.Error(), Valid: true}
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	req := res.Request
	s := res.Statistics
	perf := s.Performance
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			request_id, session_id, subagent, model, working_directory, status, error,
			start_ms, end_ms, duration_ms,
			total_iterations, successful_iterations, failed_iterations, avg_iteration_ms,
			tool_calls, progress_events, rate_limit_encounters, rate_limit_wait_ms, error_breakdown,
			memory_usage, network_requests, iterations_per_minute, tool_calls_per_minute, events_per_second
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, res.Session.SessionID, req.Subagent, req.Model, req.WorkingDirectory, string(res.Status), errText,
		res.StartTime.UnixMilli(), res.EndTime.UnixMilli(), res.Duration.Milliseconds(),
		s.TotalIterations, s.SuccessfulIterations, s.FailedIterations, s.AverageIterationDuration.Milliseconds(),
		s.TotalToolCalls, s.TotalProgressEvents, s.RateLimitEncounters, s.RateLimitWaitTime.Milliseconds(), string(breakdown),
		perf.MemoryUsage, perf.NetworkRequests, perf.Throughput.IterationsPerMinute, perf.Throughput.ToolCallsPerMinute, perf.Throughput.ProgressEventsPerSecond,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM iterations WHERE request_id = ?`, req.RequestID); err != nil {
		return fmt.Errorf("failed to clear iterations: %w", err)
	}
	for _, it := range res.Iterations {
		var itErr, class sql.NullString
		if it.Err != nil {
			itErr = sql.NullString{String: it.Err.Error(), Valid: true}
			class = sql.NullString{String: string(engine.Classify(it.Err)), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO iterations (request_id, iteration, success, duration_ms, tool_calls, events, error, error_class)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			req.RequestID, it.Iteration, boolInt(it.Success), it.Duration.Milliseconds(), it.ToolCalls, len(it.ProgressEvents), itErr, class,
		)
		if err != nil {
			return fmt.Errorf("failed to insert iteration %d: %w", it.Iteration, err)
		}
	}

	return tx.Commit()
}

const runColumns = `
	request_id, session_id, subagent, model, working_directory, status, error,
	start_ms, end_ms, duration_ms,
	total_iterations, successful_iterations, failed_iterations, avg_iteration_ms,
	tool_calls, progress_events, rate_limit_encounters, rate_limit_wait_ms, error_breakdown,
	memory_usage, network_requests, iterations_per_minute, tool_calls_per_minute, events_per_second`

// List returns runs matching f, newest first.
func (d *DB) List(ctx context.Context, f Filter) ([]RunRecord, error) {
	where, args := f.where()
	query := `SELECT ` + runColumns + ` FROM runs` + where + ` ORDER BY start_ms DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// Get returns one run and its iterations. It returns sql.ErrNoRows when
// the request is unknown.
func (d *DB) Get(ctx context.Context, requestID string) (*RunRecord, []IterationRecord, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE request_id = ?`, requestID)
	r, err := scanRun(row)
	if err != nil {
		return nil, nil, err
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT request_id, iteration, success, duration_ms, tool_calls, events, error, error_class
		FROM iterations WHERE request_id = ? ORDER BY iteration`, requestID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	var its []IterationRecord
	for rows.Next() {
		var it IterationRecord
		var success int
		var durMS int64
		var itErr, class sql.NullString
		if err := rows.Scan(&it.RequestID, &it.Iteration, &success, &durMS, &it.ToolCalls, &it.Events, &itErr, &class); err != nil {
			return nil, nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		it.Success = success == 1
		it.Duration = time.Duration(durMS) * time.Millisecond
		it.Error = itErr.String
		it.ErrorClass = engine.ErrorCategory(class.String)
		its = append(its, it)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating iterations: %w", err)
	}
	return &r, its, nil
}

// Statistics aggregates the statistics of every run matching f.
func (d *DB) Statistics(ctx context.Context, f Filter) (engine.ExecutionStatistics, error) {
	runs, err := d.List(ctx, f)
	if err != nil {
		return engine.ExecutionStatistics{}, err
	}
	stats := make([]engine.ExecutionStatistics, len(runs))
	for i, r := range runs {
		stats[i] = r.Statistics
	}
	return engine.AggregateStatistics(stats), nil
}

// Prune deletes runs that started before cutoff and returns how many went.
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	ms := cutoff.UnixMilli()
	if _, err := d.db.ExecContext(ctx, `DELETE FROM iterations WHERE request_id IN (SELECT request_id FROM runs WHERE start_ms < ?)`, ms); err != nil {
		return 0, fmt.Errorf("failed to prune iterations: %w", err)
	}
	res, err := d.db.ExecContext(ctx, `DELETE FROM runs WHERE start_ms < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Subagent != "" {
		conds = append(conds, "subagent = ?")
		args = append(args, f.Subagent)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "start_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var (
		r                                  RunRecord
		model, errText                     sql.NullString
		status, breakdown                  string
		startMS, endMS, durMS, avgMS, rlMS int64
	)
	s := &r.Statistics
	p := &s.Performance
	err := sc.Scan(
		&r.RequestID, &r.SessionID, &r.Subagent, &model, &r.WorkingDirectory, &status, &errText,
		&startMS, &endMS, &durMS,
		&s.TotalIterations, &s.SuccessfulIterations, &s.FailedIterations, &avgMS,
		&s.TotalToolCalls, &s.TotalProgressEvents, &s.RateLimitEncounters, &rlMS, &breakdown,
		&p.MemoryUsage, &p.NetworkRequests, &p.Throughput.IterationsPerMinute, &p.Throughput.ToolCallsPerMinute, &p.Throughput.ProgressEventsPerSecond,
	)
	if err == sql.ErrNoRows {
		return r, err
	}
	if err != nil {
		return r, fmt.Errorf("failed to scan run: %w", err)
	}

	r.Model = model.String
	r.Error = errText.String
	r.Status = engine.ExecutionStatus(status)
	r.StartTime = time.UnixMilli(startMS)
	r.EndTime = time.UnixMilli(endMS)
	r.Duration = time.Duration(durMS) * time.Millisecond
	s.AverageIterationDuration = time.Duration(avgMS) * time.Millisecond
	s.RateLimitWaitTime = time.Duration(rlMS) * time.Millisecond
	s.ErrorBreakdown = map[engine.ErrorCategory]int{}
	if err := json.Unmarshal([]byte(breakdown), &s.ErrorBreakdown); err != nil {
		return r, fmt.Errorf("failed to parse error breakdown: %w", err)
	}
	if s.ErrorBreakdown == nil {
		s.ErrorBreakdown = map[engine.ErrorCategory]int{}
	}
	return r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
