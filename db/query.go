package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/maxpert/livequery/notify"
	"github.com/maxpert/livequery/observe"
	"github.com/maxpert/livequery/relevance"
	"github.com/maxpert/livequery/result"
	"github.com/maxpert/livequery/telemetry"
)

// DialectName is the goqu dialect registered for the store. It is the sqlite3
// dialect with standard double-quoted identifiers.
const DialectName = "sqlite3_livequery"

// Dialect builds SQLite statements
var Dialect = newDialect()

func newDialect() goqu.DialectWrapper {
	opts := sqlite3.DialectOptions()
	opts.QuoteRune = '"'
	goqu.RegisterDialect(DialectName, opts)
	return goqu.Dialect(DialectName)
}

// ErrNotReadOnly is returned when a query would modify the database. Writes
// go through Store.Exec so that they publish a commit event.
var ErrNotReadOnly = errors.New("db: query statement is not read-only")

// Query is a reusable SELECT with its arguments and the tables it reads
type Query struct {
	SQL   string
	Args  []any
	Types notify.TypeSet
}

// RelevantTypes implements observe.Query
func (q Query) RelevantTypes() notify.TypeSet {
	return q.Types
}

// NewQuery derives the relevant tables of sqlText from its FROM and JOIN clauses
func NewQuery(sqlText string, args ...any) (Query, error) {
	types, err := relevance.FromSQL(sqlText)
	if err != nil {
		return Query{}, err
	}
	return Query{SQL: sqlText, Args: args, Types: types}, nil
}

// Select builds a Query from a goqu dataset, e.g.
//
//	db.Select(db.Dialect.From("users").Where(goqu.C("active").Eq(1)))
func Select(ds *goqu.SelectDataset) (Query, error) {
	sqlText, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return Query{}, fmt.Errorf("failed to build query: %w", err)
	}
	return NewQuery(sqlText, args...)
}

// RowMapper converts the current row into a record
type RowMapper[E any] func(rows *sql.Rows) (E, error)

// Executor runs queries against a Store and maps rows with a RowMapper
type Executor[E any] struct {
	store  *Store
	mapper RowMapper[E]
}

// NewExecutor creates an executor
func NewExecutor[E any](store *Store, mapper RowMapper[E]) *Executor[E] {
	return &Executor[E]{store: store, mapper: mapper}
}

// Query returns a lazy cursor over q. Nothing runs until the first Next.
func (e *Executor[E]) Query(ctx context.Context, q Query) *result.Cursor[E] {
	return result.NewCursor(ctx, func(ctx context.Context) (result.Rows[E], error) {
		return e.open(ctx, q)
	})
}

// Execute implements observe.Executor. q must be a db.Query.
func (e *Executor[E]) Execute(ctx context.Context, q observe.Query) *result.Cursor[E] {
	dq, ok := q.(Query)
	if !ok {
		return result.NewCursor(ctx, func(context.Context) (result.Rows[E], error) {
			return nil, fmt.Errorf("db executor cannot run %T", q)
		})
	}
	return e.Query(ctx, dq)
}

// Observe starts a self-observing result over q on bus
func (e *Executor[E]) Observe(ctx context.Context, bus observe.Bus, q Query) (*observe.Observer[E], error) {
	return observe.New[E](ctx, bus, e, q)
}

func (e *Executor[E]) open(ctx context.Context, q Query) (result.Rows[E], error) {
	// Unparseable text is left to SQLite; the file-backed read pool is
	// opened with _query_only
	if ro, err := relevance.ReadOnly(q.SQL); err == nil && !ro {
		return nil, ErrNotReadOnly
	}

	cancel := context.CancelFunc(func() {})
	if e.store.opts.QueryTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.store.opts.QueryTimeout)
	}

	start := time.Now()
	rows, err := e.store.readDB.QueryContext(ctx, q.SQL, q.Args...)
	telemetry.StoreQuerySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		cancel()
		return nil, err
	}
	return &sqlRows[E]{rows: rows, mapper: e.mapper, cancel: cancel}, nil
}

// sqlRows adapts *sql.Rows to result.Rows
type sqlRows[E any] struct {
	rows   *sql.Rows
	mapper RowMapper[E]
	cancel context.CancelFunc
}

func (r *sqlRows[E]) Next() (E, bool, error) {
	var zero E
	if !r.rows.Next() {
		return zero, false, r.rows.Err()
	}
	record, err := r.mapper(r.rows)
	if err != nil {
		return zero, false, err
	}
	return record, true, nil
}

func (r *sqlRows[E]) Close() error {
	defer r.cancel()
	return r.rows.Close()
}

// MapRow maps a row to column name -> value
func MapRow(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(map[string]any, len(cols))
	for i, col := range cols {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = values[i]
	}
	return row, nil
}
