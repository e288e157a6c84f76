package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultMaxOpenConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultConnectTimeout  = 10 * time.Second

	sqliteBusyTimeoutMS = 5000
	stateDirPerm        = 0o755
)

var errNoDSN = errors.New("database DSN not set")

// WithPool bounds the Postgres connection pool. SQLite always uses one connection.
func WithPool(maxOpen int, maxLifetime time.Duration) Option {
	return func(o *Opts) {
		o.MaxOpenConns = maxOpen
		o.ConnMaxLifetime = maxLifetime
	}
}

// WithConnectTimeout bounds the initial ping.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ConnectTimeout = d }
}

func resolveOpts(opts []Option) Opts {
	cfg := Opts{
		MaxOpenConns:    DefaultMaxOpenConns,
		ConnMaxLifetime: DefaultConnMaxLifetime,
		ConnectTimeout:  DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = DefaultMaxOpenConns
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return cfg
}

// openDB opens a pool, waits for the database to answer and applies schema.
func openDB(owner, driver, dsn, schema string, timeout time.Duration, tune func(*sql.DB)) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", owner, err)
	}
	tune(db)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: ping: %w", owner, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: apply schema: %w", owner, err)
	}
	slog.Debug(owner+": schema applied", "driver", driver)
	return db, nil
}

// sqlitePath returns the file a SQLite DSN points at, without the file:
// scheme or query string.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// sqliteDSN adds a busy timeout and foreign key enforcement unless the
// caller already chose them.
func sqliteDSN(dsn string) string {
	base, rawQuery, _ := strings.Cut(dsn, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return dsn
	}
	if q.Get("_busy_timeout") == "" {
		q.Set("_busy_timeout", fmt.Sprint(sqliteBusyTimeoutMS))
	}
	if q.Get("_foreign_keys") == "" {
		q.Set("_foreign_keys", "1")
	}
	return base + "?" + q.Encode()
}

func ensureSQLiteDir(dsn string) error {
	path := sqlitePath(dsn)
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}
	return nil
}
