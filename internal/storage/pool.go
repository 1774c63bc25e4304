// Package storage provides the relational storage layer for the hub.
//
// It runs on either an embedded SQLite file (modernc.org/sqlite, the default)
// or PostgreSQL (pgx via database/sql). Queries are written with '?'
// placeholders and rebound per dialect. Every public method routes through
// the retry wrapper in retry.go, so transient lock contention between
// concurrent handlers is absorbed here rather than by callers.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"             // registers the "sqlite" database/sql driver
)

// Dialect selects SQL syntax and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps a database/sql pool for normal queries and, on Postgres, an
// optional dedicated pgx.Conn for LISTEN/NOTIFY.
type DB struct {
	sql           *sql.DB
	dialect       Dialect
	notifyConn    *pgx.Conn
	logger        *slog.Logger
	retry         RetryPolicy
	schemaVersion int
}

// DialectFor infers the dialect from a DSN. postgres:// and postgresql://
// URLs select Postgres; anything else is treated as a SQLite path or file: URI.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// New opens the store described by dsn. notifyDSN, when non-empty and the
// store is Postgres, opens a direct connection used for LISTEN/NOTIFY.
func New(ctx context.Context, dsn, notifyDSN string, logger *slog.Logger) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("storage: empty DSN")
	}
	dialect := DialectFor(dsn)

	var (
		sqlDB *sql.DB
		err   error
	)
	switch dialect {
	case DialectPostgres:
		sqlDB, err = sql.Open("pgx", dsn)
	default:
		sqlDB, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// SQLite serializes writers anyway; a small pool keeps lock
			// contention bounded while still allowing concurrent readers.
			sqlDB.SetMaxOpenConns(8)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dialect, err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", dialect, err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" && dialect == DialectPostgres {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		sql:        sqlDB,
		dialect:    dialect,
		notifyConn: notifyConn,
		logger:     logger,
		retry:      DefaultRetryPolicy(),
	}, nil
}

// sqliteDSN turns a bare path into a file: URI with the pragmas the hub relies
// on: WAL for concurrent readers, a busy timeout, foreign keys, and immediate
// transactions so writers take the lock up front instead of failing on upgrade.
func sqliteDSN(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
}

// SetRetryPolicy replaces the retry policy. Call before serving traffic.
func (db *DB) SetRetryPolicy(p RetryPolicy) {
	db.retry = p
}

// RetryPolicy returns the policy applied to every operation.
func (db *DB) RetryPolicy() RetryPolicy {
	return db.retry
}

// Dialect returns the active SQL dialect.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// HasNotifyConn reports whether LISTEN/NOTIFY is available.
func (db *DB) HasNotifyConn() bool {
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Close shuts down the pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	if err := db.sql.Close(); err != nil {
		db.logger.Warn("storage: close pool", "error", err)
	}
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind rewrites '?' placeholders to $n for Postgres.
func (db *DB) rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, db.rebind(query), args...)
}

// do runs fn under the retry policy.
func (db *DB) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return RetryExec(ctx, db.retry, fn)
}

// inTx runs fn in a transaction under the retry policy. A retry replays the
// whole transaction, so fn must not have side effects outside tx.
func (db *DB) inTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return db.do(ctx, func(ctx context.Context) error {
		tx, err := db.sql.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
