package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema file, named NNN_name.sql
type Migration struct {
	Version   int
	Name      string
	SQL       string
	AppliedAt time.Time
}

// Applied reports whether the migration has been recorded
func (m Migration) Applied() bool {
	return !m.AppliedAt.IsZero()
}

// Migrator applies the embedded schema migrations
type Migrator struct {
	db     *DB
	source fs.FS
	logger *slog.Logger
}

// NewMigrator creates a migrator over the embedded schema
func NewMigrator(db *DB) *Migrator {
	return &Migrator{
		db:     db,
		source: migrationsFS,
		logger: slog.Default().With("component", "migrator"),
	}
}

// Run applies all pending migrations and returns how many were applied
func (m *Migrator) Run(ctx context.Context) (int, error) {
	pending, err := m.Pending(ctx)
	if err != nil {
		return 0, err
	}

	for i, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return i, fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("Applied migration", "version", mig.Version, "name", mig.Name)
	}

	if len(pending) > 0 {
		m.logger.Info("Database migrations completed", "applied", len(pending))
	}
	return len(pending), nil
}

// Pending returns the migrations that have not been applied yet, in order
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	all, err := m.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, mig := range all {
		if !mig.Applied() {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// GetStatus returns every known migration, with AppliedAt set on those
// already recorded
func (m *Migrator) GetStatus(ctx context.Context) ([]Migration, error) {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		) STRICT
	`); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	available, err := m.available()
	if err != nil {
		return nil, err
	}

	for i := range available {
		available[i].AppliedAt = applied[available[i].Version]
	}
	return available, nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	result := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt int64
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		result[version] = time.Unix(appliedAt, 0)
	}
	return result, rows.Err()
}

// available parses the migration files, sorted by version. Files that do
// not start with a numeric version are skipped with a warning.
func (m *Migrator) available() ([]Migration, error) {
	entries, err := fs.ReadDir(m.source, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(entry.Name(), "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil {
			m.logger.Warn("Invalid migration filename", "file", entry.Name())
			continue
		}

		content, err := fs.ReadFile(m.source, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(rest, ".sql"),
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			mig.Version, mig.Name,
		)
		return err
	})
}
