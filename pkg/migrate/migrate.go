package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/lgulliver/waypoint/pkg/config"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// Migration is one versioned schema change read from a .sql file
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// State reports whether a known migration has been applied
type State struct {
	Migration *Migration
	Applied   bool
}

// Migrator applies the guide catalogue schema
type Migrator struct {
	db  *sql.DB
	fs  fs.FS
	dir string
}

// Open connects to PostgreSQL and returns a migrator reading dir from fsys
func Open(ctx context.Context, cfg *config.DatabaseConfig, fsys fs.FS, dir string) (*Migrator, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db, fsys, dir), nil
}

// New wraps an existing connection
func New(db *sql.DB, fsys fs.FS, dir string) *Migrator {
	return &Migrator{db: db, fs: fsys, dir: dir}
}

// Load reads every migration under dir, ordered by version
func Load(fsys fs.FS, dir string) ([]*Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []*Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		migration, err := parseFile(fsys, dir, entry.Name())
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping invalid migration file")
			continue
		}
		if other, ok := seen[migration.Version]; ok {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, entry.Name(), migration.Version)
		}
		seen[migration.Version] = entry.Name()
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseFile reads a file named like 001_initial_schema.sql
func parseFile(fsys fs.FS, dir, filename string) (*Migration, error) {
	prefix, rest, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || rest == "" {
		return nil, fmt.Errorf("invalid migration filename format: %s", filename)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return nil, fmt.Errorf("invalid migration version in %s", filename)
	}

	content, err := fs.ReadFile(fsys, path.Join(dir, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read migration file %s: %w", filename, err)
	}

	up, down := split(string(content))
	if strings.TrimSpace(up) == "" {
		return nil, fmt.Errorf("migration %s has no up section", filename)
	}

	return &Migration{Version: version, Name: rest, UpSQL: up, DownSQL: down}, nil
}

// split separates the up and down sections; text before any marker counts as up
func split(content string) (string, string) {
	var up, down []string
	inDown := false

	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case upMarker:
			inDown = false
			continue
		case downMarker:
			inDown = true
			continue
		}
		if inDown {
			down = append(down, line)
		} else {
			up = append(up, line)
		}
	}

	return strings.TrimSpace(strings.Join(up, "\n")), strings.TrimSpace(strings.Join(down, "\n"))
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) ([]int, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

// Status lists every migration file with its applied flag
func (m *Migrator) Status(ctx context.Context) ([]State, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	versions, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	migrations, err := Load(m.fs, m.dir)
	if err != nil {
		return nil, err
	}
	return plan(migrations, versions), nil
}

func plan(migrations []*Migration, applied []int) []State {
	done := make(map[int]bool, len(applied))
	for _, version := range applied {
		done[version] = true
	}
	states := make([]State, 0, len(migrations))
	for _, migration := range migrations {
		states = append(states, State{Migration: migration, Applied: done[migration.Version]})
	}
	return states
}

// Up applies every pending migration in version order and returns how many ran
func (m *Migrator) Up(ctx context.Context) (int, error) {
	states, err := m.Status(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, state := range states {
		if state.Applied {
			continue
		}
		migration := state.Migration
		if err := m.exec(ctx, migration.UpSQL, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", migration.Version, migration.Name); err != nil {
			return count, fmt.Errorf("failed to run migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		log.Info().Int("version", migration.Version).Str("name", migration.Name).Msg("Applied migration")
		count++
	}

	if count == 0 {
		log.Info().Msg("No pending migrations")
	}
	return count, nil
}

// Down rolls back the most recently applied migration
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	versions, err := m.applied(ctx)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		log.Info().Msg("No migrations to roll back")
		return nil
	}
	last := versions[len(versions)-1]

	migrations, err := Load(m.fs, m.dir)
	if err != nil {
		return err
	}
	var target *Migration
	for _, migration := range migrations {
		if migration.Version == last {
			target = migration
			break
		}
	}
	if target == nil {
		return fmt.Errorf("migration file for version %d not found", last)
	}
	if target.DownSQL == "" {
		return fmt.Errorf("migration %d (%s) cannot be rolled back", target.Version, target.Name)
	}

	if err := m.exec(ctx, target.DownSQL, "DELETE FROM schema_migrations WHERE version = $1", target.Version); err != nil {
		return fmt.Errorf("failed to roll back migration %d (%s): %w", target.Version, target.Name, err)
	}
	log.Info().Int("version", target.Version).Str("name", target.Name).Msg("Rolled back migration")
	return nil
}

// exec runs a schema change and its bookkeeping statement in one transaction
func (m *Migrator) exec(ctx context.Context, schema, record string, args ...interface{}) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// Close closes the database connection
func (m *Migrator) Close() error {
	return m.db.Close()
}
