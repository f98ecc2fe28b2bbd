// Package db is the SQLite collaborator of the live query engine: it executes
// read queries as lazy cursors and runs write transactions that announce
// their commits on the commit bus.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/livequery/cfg"
	"github.com/maxpert/livequery/notify"
	"github.com/maxpert/livequery/relevance"
	"github.com/maxpert/livequery/telemetry"
	"github.com/rs/zerolog/log"
)

// Options configures a Store
type Options struct {
	Path          string
	MaxOpenConns  int
	BusyTimeoutMS int
	QueryTimeout  time.Duration
	Bus           notify.Publisher // nil disables commit notifications
	SourceID      string
}

// OptionsFromConfig builds Options from the loaded configuration
func OptionsFromConfig(bus notify.Publisher) Options {
	store := cfg.Config.Store
	path := store.Path
	if path != ":memory:" && !strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "file:") {
		path = cfg.Config.DataDir + "/" + path
	}
	return Options{
		Path:          path,
		MaxOpenConns:  store.MaxOpenConns,
		BusyTimeoutMS: store.BusyTimeoutMS,
		QueryTimeout:  time.Duration(store.QueryTimeoutMS) * time.Millisecond,
		Bus:           bus,
		SourceID:      cfg.SourceID(),
	}
}

// Store wraps a SQLite database.
//
// SQLite WAL mode allows one writer and many concurrent readers, so writes go
// through a single-connection pool with _txlock=immediate and reads use a
// separate pool.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	opts    Options
}

// Statement is one write with its arguments. Types overrides the affected
// types otherwise derived from the SQL text.
type Statement struct {
	SQL   string
	Args  []any
	Types notify.TypeSet
}

// Stmt builds a Statement
func Stmt(sqlText string, args ...any) Statement {
	return Statement{SQL: sqlText, Args: args}
}

// Open opens or creates the database at opts.Path. An in-memory database
// lives on one connection shared by reads and writes, so a cursor left open
// blocks Exec until it is closed.
func Open(opts Options) (*Store, error) {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}
	isMemoryDB := strings.Contains(opts.Path, ":memory:")

	writeDSN := withParams(opts.Path, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", opts.BusyTimeoutMS), isMemoryDB)
	readDSN := withParams(opts.Path, fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_query_only=1", opts.BusyTimeoutMS), isMemoryDB)

	writeDB, err := sql.Open(SQLiteDriverName, writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open write database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB := writeDB
	if !isMemoryDB {
		readDB, err = sql.Open(SQLiteDriverName, readDSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to open read database: %w", err)
		}
		readDB.SetMaxOpenConns(opts.MaxOpenConns)
		readDB.SetMaxIdleConns(opts.MaxOpenConns)

		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA temp_store=MEMORY"} {
			if _, err := writeDB.Exec(pragma); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	log.Debug().Str("path", opts.Path).Int("read_conns", opts.MaxOpenConns).Msg("Store opened")
	return &Store{writeDB: writeDB, readDB: readDB, opts: opts}, nil
}

// withParams appends DSN parameters; in-memory databases get none
func withParams(path, params string, isMemoryDB bool) string {
	if isMemoryDB {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// Close closes both pools
func (s *Store) Close() error {
	err := s.writeDB.Close()
	if s.readDB != s.writeDB {
		err = errors.Join(err, s.readDB.Close())
	}
	return err
}

// Ping checks that both pools can reach the database
func (s *Store) Ping(ctx context.Context) error {
	if err := s.writeDB.PingContext(ctx); err != nil {
		return err
	}
	return s.readDB.PingContext(ctx)
}

// Exec runs stmts in one transaction. After a successful commit it publishes
// a single CommitEvent naming every table the statements write to, and
// returns that set.
func (s *Store) Exec(ctx context.Context, stmts ...Statement) (notify.TypeSet, error) {
	affected, err := affectedTypes(stmts)
	if err != nil {
		return nil, err
	}

	if err := s.inTx(ctx, stmts); err != nil {
		telemetry.StoreCommitsTotal.With("failed").Inc()
		return nil, err
	}
	telemetry.StoreCommitsTotal.With("success").Inc()

	if s.opts.Bus != nil && len(affected) > 0 {
		s.opts.Bus.Publish(notify.CommitEvent{
			AffectedTypes: affected,
			SourceID:      s.opts.SourceID,
			CommitTS:      time.Now().UnixMilli(),
		})
	}
	return affected, nil
}

func (s *Store) inTx(ctx context.Context, stmts []Statement) (err error) {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Warn().Err(rbErr).Msg("Rollback failed")
			}
		}
	}()

	for i, st := range stmts {
		if _, err = tx.ExecContext(ctx, st.SQL, st.Args...); err != nil {
			return fmt.Errorf("statement %d failed: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func affectedTypes(stmts []Statement) (notify.TypeSet, error) {
	var out notify.TypeSet
	for _, st := range stmts {
		types := st.Types
		if len(types) == 0 {
			var err error
			types, err = relevance.AffectedBySQL(st.SQL)
			if err != nil {
				return nil, fmt.Errorf("cannot derive affected types, set Statement.Types: %w", err)
			}
		}
		out = out.Union(types)
	}
	return out, nil
}
