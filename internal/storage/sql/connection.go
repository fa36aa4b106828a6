// Package sql provides the SQL-backed key/value store used by the
// template store, with embedded goose migrations. SQLite is the default
// backend; PostgreSQL is supported through the pgx stdlib driver.
package sql

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DBConfig holds database connection configuration.
type DBConfig struct {
	Driver          string        // "pgx" for PostgreSQL, "sqlite" for SQLite
	DSN             string        // Data Source Name / connection string
	MaxOpenConns    int           // Maximum open connections (default: 25)
	MaxIdleConns    int           // Maximum idle connections (default: 5)
	ConnMaxLifetime time.Duration // Connection max lifetime (default: 5min)
}

// Open opens the database, configures the pool, verifies connectivity,
// and runs migrations.
func Open(ctx context.Context, cfg DBConfig) (*KV, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpenConns := cfg.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = 5
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return NewKV(db, cfg.Driver), nil
}

// runMigrations runs database migrations using goose with embedded files.
func runMigrations(db *sql.DB, driver string) error {
	dialect := "sqlite3"
	if driver == "pgx" {
		dialect = "postgres"
	}

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	goose.SetBaseFS(embedMigrations)

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// OpenSQLite opens a SQLite-backed store at the given path with pragmas
// for durability under concurrent writers.
func OpenSQLite(ctx context.Context, dbPath string) (*KV, error) {
	return OpenSQLiteWithConfig(ctx, dbPath, DBConfig{})
}

// OpenSQLiteWithConfig opens a SQLite-backed store with custom connection
// pool settings.
func OpenSQLiteWithConfig(ctx context.Context, dbPath string, poolConfig DBConfig) (*KV, error) {
	poolConfig.Driver = "sqlite"
	poolConfig.DSN = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", dbPath)
	return Open(ctx, poolConfig)
}

// OpenPostgres opens a PostgreSQL-backed store.
func OpenPostgres(ctx context.Context, connString string) (*KV, error) {
	return OpenPostgresWithConfig(ctx, connString, DBConfig{})
}

// OpenPostgresWithConfig opens a PostgreSQL-backed store with custom
// connection pool settings.
func OpenPostgresWithConfig(ctx context.Context, connString string, poolConfig DBConfig) (*KV, error) {
	poolConfig.Driver = "pgx"
	poolConfig.DSN = connString
	return Open(ctx, poolConfig)
}
