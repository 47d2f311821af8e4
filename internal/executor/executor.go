// Package executor is the Loader Executor (C4): given one locked, RUNNING
// Loader row, compute its range via internal/clock, borrow a handle via
// internal/sourcepool, stream and aggregate rows, commit via
// internal/signalsink, and report the watermark/status transition the
// caller (the scheduler) should persist.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/loadctl/internal/clock"
	"github.com/malbeclabs/loadctl/internal/domain"
	"github.com/malbeclabs/loadctl/internal/signalsink"
	"github.com/malbeclabs/loadctl/internal/sourcepool"
)

// Sink is the subset of signalsink.Sink the executor needs.
type Sink interface {
	Commit(ctx context.Context, loaderCode string, rng clock.Range, strategy domain.PurgeStrategy, tuples []domain.SignalTuple) (signalsink.Result, error)
}

// Pool is the subset of sourcepool.Pool the executor needs.
type Pool interface {
	Borrow(ctx context.Context, sourceCode string, timeout time.Duration) (*sourcepool.Handle, error)
}

// Clock is the subset of clock.Clock the executor needs.
type Clock interface {
	NowUTC() time.Time
	NextRange(watermark *time.Time, maxQueryPeriod time.Duration) clock.Range
}

// Executor runs one loader invocation at a time; it holds no per-loader
// state between calls (spec.md §4.4's contract is entirely parameterized
// by the Loader row passed to Run).
type Executor struct {
	clock           Clock
	pool            Pool
	sink            Sink
	decryptor       domain.Decryptor
	borrowTimeout   time.Duration
	fetchBatchSize  int
}

// Config configures an Executor.
type Config struct {
	Clock          Clock
	Pool           Pool
	Sink           Sink
	Decryptor      domain.Decryptor
	BorrowTimeout  time.Duration
	FetchBatchSize int
}

func (c *Config) setDefaults() {
	if c.BorrowTimeout == 0 {
		c.BorrowTimeout = 10 * time.Second
	}
	if c.FetchBatchSize == 0 {
		c.FetchBatchSize = 1000
	}
}

func (c Config) validate() error {
	if c.Clock == nil {
		return fmt.Errorf("clock is required")
	}
	if c.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	if c.Sink == nil {
		return fmt.Errorf("sink is required")
	}
	if c.Decryptor == nil {
		return fmt.Errorf("decryptor is required")
	}
	return nil
}

// New constructs an Executor.
func New(cfg Config) (*Executor, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	return &Executor{
		clock:          cfg.Clock,
		pool:           cfg.Pool,
		sink:           cfg.Sink,
		decryptor:      cfg.Decryptor,
		borrowTimeout:  cfg.BorrowTimeout,
		fetchBatchSize: cfg.FetchBatchSize,
	}, nil
}

// Outcome is what the caller (the scheduler) should persist after Run
// returns, regardless of success or failure.
type Outcome struct {
	Success                   bool
	RowCount                  int64
	LastLoadTimestamp         time.Time
	LastSuccessTimestamp      time.Time
	ConsecutiveZeroRecordRuns int
	ErrorKind                 domain.Kind
	ErrorMessage              string
}

// Run executes spec.md §4.4's contract for one locked, RUNNING loader.
// It never mutates l; the caller persists the returned Outcome.
func (e *Executor) Run(ctx context.Context, l domain.Loader) Outcome {
	rng := e.clock.NextRange(l.LastLoadTimestamp, time.Duration(l.MaxQueryPeriodSeconds)*time.Second)
	if rng.Empty() {
		return e.noopOutcome(l, rng)
	}

	handle, err := e.pool.Borrow(ctx, l.SourceDBRef, e.borrowTimeout)
	if err != nil {
		return e.failure(domain.KindTransientSource, fmt.Errorf("borrow handle: %w", err))
	}
	defer handle.Release()

	plaintext, err := l.SQLText.Decrypt(e.decryptor)
	if err != nil {
		return e.failure(domain.KindPermanentSource, fmt.Errorf("decrypt sql_text: %w", err))
	}

	bindRange := clock.SourceBindTimes(rng, l.SourceTimezoneOffsetHours)
	query, args := bindQuery(handle.Dialect, plaintext, bindRange.From, bindRange.To)

	agg := newAggregator()
	var maxObserved time.Time
	var rowCount int64

	err = streamRows(ctx, handle, query, args, func(row observedRow) {
		if row.Timestamp.After(rng.To) {
			// spec.md §4.4 edge case: rows past `to` are discarded, watermark
			// still capped at `to`.
			return
		}
		if row.Timestamp.After(maxObserved) {
			maxObserved = row.Timestamp
		}
		agg.observe(row.Segment, row.Value)
		rowCount++
	})
	if err != nil {
		return e.failure(domain.KindTransientSource, fmt.Errorf("stream rows: %w", err))
	}

	watermark := rng.To
	if !maxObserved.IsZero() {
		watermark = maxObserved
		if watermark.Before(rng.From) {
			watermark = rng.From
		}
	}

	if !agg.empty() {
		tuples := agg.tuples(l.EntityCode, watermark)
		if _, err := e.sink.Commit(ctx, l.EntityCode, rng, l.PurgeStrategy, tuples); err != nil {
			return e.failure(domain.KindOf(err), fmt.Errorf("commit signal sink: %w", err))
		}
	}

	now := e.clock.NowUTC()
	consecutiveZero := l.ConsecutiveZeroRecordRuns
	if rowCount == 0 {
		consecutiveZero++
	} else {
		consecutiveZero = 0
	}

	return Outcome{
		Success:                   true,
		RowCount:                  rowCount,
		LastLoadTimestamp:         watermark,
		LastSuccessTimestamp:      now,
		ConsecutiveZeroRecordRuns: consecutiveZero,
	}
}

func (e *Executor) noopOutcome(l domain.Loader, rng clock.Range) Outcome {
	now := e.clock.NowUTC()
	wm := rng.To
	if l.LastLoadTimestamp != nil && l.LastLoadTimestamp.After(wm) {
		wm = *l.LastLoadTimestamp
	}
	return Outcome{
		Success:                   true,
		RowCount:                  0,
		LastLoadTimestamp:         wm,
		LastSuccessTimestamp:      now,
		ConsecutiveZeroRecordRuns: l.ConsecutiveZeroRecordRuns + 1,
	}
}

func (e *Executor) failure(kind domain.Kind, err error) Outcome {
	if kind == "" {
		kind = domain.KindTransientSource
	}
	return Outcome{
		Success:      false,
		ErrorKind:    kind,
		ErrorMessage: err.Error(),
	}
}

// observedRow is one row read from the source query, normalized to the
// engine's fixed projection contract: a timestamp column (aliased `ts` or
// `timestamp`), an optional `segment` column, and a numeric `value` column.
type observedRow struct {
	Timestamp time.Time
	Segment   string
	Value     float64
}

var paramPattern = regexp.MustCompile(`:from|:to`)

// bindQuery rewrites the engine's portable `:from`/`:to` named parameters
// into the target dialect's positional placeholder syntax, returning the
// arguments in the order they appear.
func bindQuery(dialect domain.SourceDialect, sqlText string, from, to time.Time) (string, []any) {
	var args []any
	n := 0
	rewritten := paramPattern.ReplaceAllStringFunc(sqlText, func(tok string) string {
		n++
		if tok == ":from" {
			args = append(args, from)
		} else {
			args = append(args, to)
		}
		if dialect == domain.SourceDialectMySQL {
			return "?"
		}
		return fmt.Sprintf("$%d", n)
	})
	return rewritten, args
}

// streamRows dispatches to the dialect-specific reader and invokes fn for
// every row in arrival order.
func streamRows(ctx context.Context, handle *sourcepool.Handle, query string, args []any, fn func(observedRow)) error {
	switch handle.Dialect {
	case domain.SourceDialectPostgreSQL:
		return streamPostgresRows(ctx, handle.PG, query, args, fn)
	case domain.SourceDialectMySQL:
		return streamMySQLRows(ctx, handle.MySQL, query, args, fn)
	default:
		return fmt.Errorf("unsupported dialect %q", handle.Dialect)
	}
}

func streamPostgresRows(ctx context.Context, conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, query string, args []any, fn func(observedRow)) error {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	idx, err := columnIndexFromNames(fieldNames(rows.FieldDescriptions()))
	if err != nil {
		return err
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		row, err := idx.extract(values)
		if err != nil {
			return err
		}
		fn(row)
	}
	return rows.Err()
}

func streamMySQLRows(ctx context.Context, conn *sql.Conn, query string, args []any, fn func(observedRow)) error {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	idx, err := columnIndexFromNames(columns)
	if err != nil {
		return err
	}

	for rows.Next() {
		values := make([]any, len(columns))
		scanDest := make([]any, len(columns))
		for i := range values {
			scanDest[i] = &values[i]
		}
		if err := rows.Scan(scanDest...); err != nil {
			return err
		}
		row, err := idx.extract(values)
		if err != nil {
			return err
		}
		fn(row)
	}
	return rows.Err()
}

type columnIndex struct {
	ts      int
	segment int
	value   int
}

func columnIndexFromNames(names []string) (columnIndex, error) {
	idx := columnIndex{ts: -1, segment: -1, value: -1}
	for i, name := range names {
		switch strings.ToLower(name) {
		case "ts", "timestamp", "load_timestamp_utc":
			idx.ts = i
		case "segment", "segment_code":
			idx.segment = i
		case "value", "val":
			idx.value = i
		}
	}
	if idx.ts == -1 {
		return idx, fmt.Errorf("query result has no timestamp column (expected ts/timestamp)")
	}
	if idx.value == -1 {
		return idx, fmt.Errorf("query result has no value column (expected value)")
	}
	return idx, nil
}

func (idx columnIndex) extract(values []any) (observedRow, error) {
	ts, err := asTime(values[idx.ts])
	if err != nil {
		return observedRow{}, fmt.Errorf("timestamp column: %w", err)
	}
	value, err := asFloat64(values[idx.value])
	if err != nil {
		return observedRow{}, fmt.Errorf("value column: %w", err)
	}
	var segment string
	if idx.segment >= 0 {
		segment, _ = values[idx.segment].(string)
	}
	return observedRow{Timestamp: ts, Segment: segment, Value: value}, nil
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case []byte:
		parsed, err := time.Parse(time.RFC3339, string(t))
		if err != nil {
			return time.Time{}, err
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case []byte:
		var f float64
		_, err := fmt.Sscanf(string(n), "%g", &f)
		return f, err
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

func fieldNames(fields []pgx.FieldDescription) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}
