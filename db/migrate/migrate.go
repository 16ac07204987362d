// Package migrate applies the embedded schema migrations.
//
// Migration files live in migrations/ and are named NNN_name.sql. A file may
// carry a "-- migrate:down" line; everything after it reverts the migration
// and is only executed by Rollback.
//
// Applied versions are recorded in schema_migrations together with a SHA-256
// of the up section. A recorded checksum that no longer matches the embedded
// file is logged at startup but does not block it.
//
// Run takes a PostgreSQL advisory lock for its whole duration, so several
// control planes starting against one database apply each migration once.
package migrate

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// downMarker separates the up and down sections of a migration file.
const downMarker = "-- migrate:down"

// lockKey is the pg_advisory_lock key held while migrating ("nsmigrat").
const lockKey int64 = 0x6e736d6967726174

// Record is a migration recorded as applied.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Checksum  string    `json:"checksum,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// Status reports applied and pending migrations.
type Status struct {
	Applied []Record `json:"applied"`
	Pending []string `json:"pending"`
	Drifted []string `json:"drifted,omitempty"`
}

type migration struct {
	version  int
	name     string
	up       string
	down     string
	checksum string
}

func (m migration) label() string {
	return fmt.Sprintf("%03d_%s", m.version, m.name)
}

// Run applies every pending migration, each in its own transaction.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	logger = logger.With("component", "migrate")

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("taking migration lock: %w", err)
	}
	defer func() {
		// The session lock must be released even if ctx is already done.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, lockKey); err != nil {
			logger.Warn("failed to release migration lock", "error", err)
		}
	}()

	if err := ensureMigrationsTable(ctx, conn.Conn()); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	applied, err := appliedMigrations(ctx, conn.Conn())
	if err != nil {
		return fmt.Errorf("reading applied migrations: %w", err)
	}
	available, err := availableMigrations()
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}

	todo, drifted := plan(applied, available)
	for _, label := range drifted {
		logger.Warn("applied migration differs from embedded file", "migration", label)
	}
	if len(todo) == 0 {
		logger.Info("database schema is up to date", "version", len(applied))
		return nil
	}

	for _, mig := range todo {
		logger.Info("applying migration", "version", mig.version, "name", mig.name)
		if err := apply(ctx, conn.Conn(), mig); err != nil {
			return fmt.Errorf("applying migration %s: %w", mig.label(), err)
		}
	}
	logger.Info("migrations complete", "applied", len(todo), "total", len(applied)+len(todo))
	return nil
}

// GetStatus reports the migration state without changing it.
func GetStatus(ctx context.Context, pool *pgxpool.Pool) (*Status, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT to_regclass('public.schema_migrations') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("checking migrations table: %w", err)
	}

	status := &Status{}
	if exists {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquiring connection: %w", err)
		}
		defer conn.Release()
		if status.Applied, err = appliedMigrations(ctx, conn.Conn()); err != nil {
			return nil, err
		}
	}

	available, err := availableMigrations()
	if err != nil {
		return nil, err
	}
	todo, drifted := plan(status.Applied, available)
	for _, mig := range todo {
		status.Pending = append(status.Pending, mig.label())
	}
	status.Drifted = drifted
	return status, nil
}

// Rollback reverts the most recently applied migration by running its down
// section. A migration without one only has its record removed.
func Rollback(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	logger = logger.With("component", "migrate")

	var version int
	var name string
	err := pool.QueryRow(ctx,
		`SELECT version, name FROM schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		logger.Info("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding last migration: %w", err)
	}

	available, err := availableMigrations()
	if err != nil {
		return err
	}
	var down string
	for _, mig := range available {
		if mig.version == version {
			down = mig.down
		}
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if down != "" {
			if _, err := tx.Exec(ctx, down); err != nil {
				return fmt.Errorf("executing down section: %w", err)
			}
		}
		_, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return fmt.Errorf("rolling back %03d_%s: %w", version, name, err)
	}

	logger.Info("migration rolled back", "version", version, "name", name, "reverted_sql", down != "")
	return nil
}

// plan returns the available migrations not yet applied, in version order,
// and the labels of applied migrations whose checksum no longer matches.
func plan(applied []Record, available []migration) ([]migration, []string) {
	recorded := make(map[int]Record, len(applied))
	for _, rec := range applied {
		recorded[rec.Version] = rec
	}

	var todo []migration
	var drifted []string
	for _, mig := range available {
		rec, ok := recorded[mig.version]
		if !ok {
			todo = append(todo, mig)
			continue
		}
		if rec.Checksum != "" && rec.Checksum != mig.checksum {
			drifted = append(drifted, mig.label())
		}
	}
	return todo, drifted
}

func ensureMigrationsTable(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func appliedMigrations(ctx context.Context, conn *pgx.Conn) ([]Record, error) {
	rows, err := conn.Query(ctx,
		`SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.Version, &rec.Name, &rec.Checksum, &rec.AppliedAt)
		return rec, err
	})
}

func apply(ctx context.Context, conn *pgx.Conn, mig migration) error {
	return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.up); err != nil {
			return fmt.Errorf("executing SQL: %w", err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
			mig.version, mig.name, mig.checksum)
		if err != nil {
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}

// availableMigrations reads the embedded migration files in version order.
func availableMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var out []migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		version, name, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, entry.Name(), version)
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(migrationsFS, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		mig := parseMigration(version, name, string(content))
		if strings.TrimSpace(mig.up) == "" {
			return nil, fmt.Errorf("migration %s has no up section", entry.Name())
		}
		out = append(out, mig)
	}

	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

// parseMigration splits a file into its up and down sections.
func parseMigration(version int, name, content string) migration {
	up, down, _ := strings.Cut(content, downMarker)
	sum := sha256.Sum256([]byte(up))
	return migration{
		version:  version,
		name:     name,
		up:       up,
		down:     strings.TrimSpace(down),
		checksum: hex.EncodeToString(sum[:]),
	}
}

// parseMigrationFilename splits "001_initial_schema.sql" into 1 and "initial_schema".
func parseMigrationFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("invalid migration filename %s (expected NNN_name.sql)", filename)
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("invalid version number in %s", filename)
	}
	return version, name, nil
}
