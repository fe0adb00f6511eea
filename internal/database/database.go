// Package database provides pooled SQLite access to the RTLS collaborator store
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Spatial-NVR/SpatialRTLS/internal/config"
	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
)

const (
	defaultMaxOpenConns = 10
	defaultConnLifetime = 5 * time.Minute
)

// DB wraps the SQL database connection pool
type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// Config holds database configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// FromSettings converts the YAML database section into a pool config
func FromSettings(s config.DatabaseConfig) *Config {
	return &Config{
		Path:            s.Path,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: defaultConnLifetime,
	}
}

// Open opens a bounded connection pool. Resolver, trigger and rule lookups
// all share it, so an unset MaxOpenConns still gets a cap.
func Open(cfg *Config) (*DB, error) {
	logger := slog.Default().With("component", "database")

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, errs.New(errs.Transport, "open database", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.New(errs.Transport, "open database", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errs.New(errs.Transport, "ping database", err)
	}

	// Zone ancestry and trigger sets are read far more than written
	for _, pragma := range []string{"PRAGMA cache_size = -16000", "PRAGMA temp_store = MEMORY"} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Warn("Failed to set pragma", "pragma", pragma, "error", err)
		}
	}

	logger.Info("Database opened", "path", cfg.Path, "max_open_conns", maxOpen)
	return &DB{DB: db, path: cfg.Path, logger: logger}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.logger.Info("Closing database")
	return db.DB.Close()
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Health pings the pool. Failures are transport errors so the health route
// reports the store as unavailable rather than broken.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return errs.New(errs.Transport, "database health", err)
	}
	return nil
}

// Transaction runs fn in a transaction, rolling back when it fails
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Checkpoint truncates the WAL. Run after bulk event log pruning so the
// freed pages do not linger in the log file.
func (db *DB) Checkpoint(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}
