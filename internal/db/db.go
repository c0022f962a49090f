// Package db implements the embedded relational store for the memory
// service: schema migrations, the durable pending queue, observation and
// memory repositories, vectors, and replication bookkeeping. It is the only
// package that touches SQLite directly; everything else goes through the
// typed methods on DB.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the SQLite database.
type DB struct {
	conn *sql.DB
}

// Open creates a new DB connection and runs all pending migrations.
// Startup fails if the database has migrations applied that are not part
// of the embedded set.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer. All access funnels through one connection so writes
	// never race each other.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	d := &DB{conn: conn}
	if err := d.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for use by other packages if needed.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) migrate() error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	goose.SetLogger(goose.NopLogger())

	// Refuse to start when the database is ahead of the embedded migration
	// set: an applied version we know nothing about means this binary is
	// older than the data.
	current, err := goose.EnsureDBVersion(d.conn)
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	latest, err := latestEmbeddedVersion()
	if err != nil {
		return err
	}
	if current > latest {
		return fmt.Errorf("database at migration %d but binary only knows %d", current, latest)
	}

	if err := goose.Up(d.conn, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func latestEmbeddedVersion() (int64, error) {
	migrations, err := goose.CollectMigrations("migrations", 0, goose.MaxVersion)
	if err != nil {
		return 0, fmt.Errorf("collect migrations: %w", err)
	}
	last, err := migrations.Last()
	if err != nil {
		return 0, fmt.Errorf("no embedded migrations: %w", err)
	}
	return last.Version, nil
}

// nowMs returns the current time as epoch milliseconds, the timestamp
// representation used throughout the schema.
func nowMs() int64 {
	return time.Now().UnixMilli()
}

// isBusy reports whether err looks like a transient SQLite write-lock
// failure worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// execRetry runs a write statement, retrying busy errors with short bounded
// waits (20 ms, at most 8 attempts) before giving up.
func (d *DB) execRetry(query string, args ...any) (sql.Result, error) {
	var res sql.Result
	backoff := retry.WithMaxRetries(7, retry.NewConstant(20*time.Millisecond))
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		var err error
		res, err = d.conn.Exec(query, args...)
		if isBusy(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return res, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
