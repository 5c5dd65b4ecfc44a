package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sunbed/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

type DB struct {
	*sql.DB
	dialect dialect
	logger  *zerolog.Logger
}

// Open picks the driver from config.
func Open(cfg config.DatabaseConfig, logger *zerolog.Logger) (*DB, error) {
	switch cfg.Driver {
	case "", "sqlite3":
		return NewDB(cfg.Path, logger)
	case "postgres":
		return NewPostgresDB(cfg.Postgres.DSN(), cfg.Postgres.MaxConnections, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// NewDB opens a SQLite database. Every transaction starts with BEGIN IMMEDIATE
// so slot allocation is serialised by the write lock.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	// Создаем директорию для БД, если её нет
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := path + "?_txlock=immediate&_busy_timeout=10000&_foreign_keys=on"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{DB: sqlDB, dialect: sqliteDialect, logger: logger}
	if err := db.init(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Info().Str("driver", "sqlite3").Str("path", path).Msg("database initialized")
	return db, nil
}

// NewPostgresDB opens Postgres through the pgx stdlib driver. Slot allocation
// relies on SELECT ... FOR UPDATE on the sunbed row.
func NewPostgresDB(dsn string, maxConns int, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
	}
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{DB: sqlDB, dialect: postgresDialect, logger: logger}
	if err := db.init(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Info().Str("driver", "postgres").Msg("database initialized")
	return db, nil
}

func (db *DB) init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Проверяем соединение
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// Создаем таблицы
	for _, query := range db.dialect.schema() {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create schema (%s): %w", firstLine(query), err)
		}
	}
	return nil
}

func (db *DB) Driver() string { return db.dialect.name }

func (db *DB) q(query string) string {
	return db.dialect.rebind(query)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// utc normalises optional timestamps before they reach the driver.
func utc(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func firstLine(q string) string {
	q = strings.TrimSpace(q)
	if i := strings.IndexByte(q, '\n'); i > 0 {
		return q[:i]
	}
	return q
}

// affected maps a conditional UPDATE result to "did the transition happen".
func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
