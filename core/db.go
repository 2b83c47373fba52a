package core

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
}

func (config *SQLiteDBOption) DSN(file string) string {
	query := url.Values{}
	query.Set("_foreign_keys", "on")
	if config != nil {
		if config.Mode != "" {
			query.Set("mode", config.Mode)
		}
		if config.Cache != "" {
			query.Set("cache", config.Cache)
		}
		if config.JournalMode != "" {
			query.Set("_journal_mode", config.JournalMode)
		}
	}
	return "file:" + file + "?" + query.Encode()
}

type SQLiteDB struct {
	*sql.DB
	migrationDir string
}

func NewSQLiteDB(file, migrationDir string, config *SQLiteDBOption) (*SQLiteDB, error) {
	d, err := sql.Open("sqlite3", config.DSN(file))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	return &SQLiteDB{DB: d, migrationDir: migrationDir}, nil
}

func (db *SQLiteDB) Migrate() error {
	return migrate(db.DB, "sqlite3", db.migrationDir)
}

// PostgresDB is a pgx pool whose schema is managed by goose through the pgx stdlib driver.
type PostgresDB struct {
	*pgxpool.Pool
	migrationDir string
}

func NewPostgresDB(ctx context.Context, databaseURL, migrationDir string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("Ping: %w", err)
	}
	return &PostgresDB{Pool: pool, migrationDir: migrationDir}, nil
}

func (db *PostgresDB) Migrate() error {
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()
	return migrate(sqlDB, "postgres", db.migrationDir)
}

func migrate(db *sql.DB, dialect, dir string) error {
	goose.SetBaseFS(os.DirFS(dir))
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("SetDialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("goose.Up: %w", err)
	}
	return nil
}
