// Package db provides database connection helpers, schema migration, and the recording store.
//
// Two backends are supported: Postgres (pgx) for shared deployments and SQLite (pure Go)
// for single-host installs and tests. The backend is chosen from the DSN.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // pure Go sqlite driver registered as 'sqlite'
)

// Dialect identifies the SQL backend behind a connection.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Placeholder returns the bind-parameter format for the dialect.
func (d Dialect) Placeholder() sq.PlaceholderFormat {
	if d == Postgres {
		return sq.Dollar
	}
	return sq.Question
}

// DialectFor infers the backend from a DSN.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Connect opens a database for dsn. postgres:// DSNs use pgx; anything else is
// treated as a SQLite path (optionally prefixed with file:), opened in WAL mode.
func Connect(ctx context.Context, dsn string) (*sql.DB, Dialect, error) {
	dialect := DialectFor(dsn)
	var (
		database *sql.DB
		err      error
	)
	switch dialect {
	case Postgres:
		database, err = sql.Open("pgx", dsn)
	default:
		database, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			database.SetMaxOpenConns(4)
			database.SetMaxIdleConns(4)
			database.SetConnMaxLifetime(time.Hour)
		}
	}
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, "", fmt.Errorf("ping %s: %w", dialect, err)
	}
	return database, dialect, nil
}

func sqliteDSN(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
}

// Migrate applies idempotent schema statements. It is the fallback used when
// versioned migrations cannot run.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			platform TEXT NOT NULL,
			channel TEXT NOT NULL,
			title TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			url TEXT NOT NULL,
			filename TEXT NOT NULL,
			chat_filename TEXT NULL,
			in_progress BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (platform, channel, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_channel_ts ON recordings(channel, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_in_progress ON recordings(in_progress)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d failed: %w", i, err)
		}
	}
	return nil
}
