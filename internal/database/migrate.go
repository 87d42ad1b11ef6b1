package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migration is one numbered schema change, stored as a NNN_name.up.sql and
// NNN_name.down.sql pair.
type Migration struct {
	Version string
	Up      string
	Down    string
}

// LoadMigrations reads a migrations directory, ordered by version.
func LoadMigrations(dir string) ([]Migration, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migration directory: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		name := file.Name()

		var version string
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			version, up = strings.TrimSuffix(name, ".up.sql"), true
		case strings.HasSuffix(name, ".down.sql"):
			version = strings.TrimSuffix(name, ".down.sql")
		default:
			continue
		}

		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		if up {
			m.Up = filepath.Join(dir, name)
		} else {
			m.Down = filepath.Join(dir, name)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has no up file", m.Version)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	return migrations, nil
}

// Plan picks the migrations to run. Up takes pending versions oldest first;
// down takes applied versions newest first. steps <= 0 means no limit.
func Plan(all []Migration, applied map[string]bool, direction string, steps int) ([]Migration, error) {
	var plan []Migration

	switch direction {
	case "up":
		for _, m := range all {
			if !applied[m.Version] {
				plan = append(plan, m)
			}
		}
	case "down":
		for i := len(all) - 1; i >= 0; i-- {
			m := all[i]
			if !applied[m.Version] {
				continue
			}
			if m.Down == "" {
				return nil, fmt.Errorf("migration %s has no down file", m.Version)
			}
			plan = append(plan, m)
		}
	default:
		return nil, fmt.Errorf("direction must be up or down, got %q", direction)
	}

	if steps > 0 && len(plan) > steps {
		plan = plan[:steps]
	}
	return plan, nil
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

// AppliedMigrations returns the versions recorded in schema_migrations,
// creating the table on first use.
func AppliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	return applied, nil
}

// Migrate applies or reverts migrations from dir and returns the versions it
// ran. Each file runs in its own transaction together with its
// schema_migrations bookkeeping, so a failed file leaves no trace.
func Migrate(ctx context.Context, db *sql.DB, dir, direction string, steps int) ([]string, error) {
	all, err := LoadMigrations(dir)
	if err != nil {
		return nil, err
	}

	applied, err := AppliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	plan, err := Plan(all, applied, direction, steps)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, m := range plan {
		path, record := m.Up, "INSERT INTO schema_migrations (version) VALUES ($1)"
		if direction == "down" {
			path, record = m.Down, "DELETE FROM schema_migrations WHERE version = $1"
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return ran, fmt.Errorf("read migration %s: %w", filepath.Base(path), err)
		}

		err = WithTransaction(ctx, db, DefaultTxOptions(), func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("execute migration %s: %w", filepath.Base(path), err)
			}
			if _, err := tx.ExecContext(ctx, record, m.Version); err != nil {
				return fmt.Errorf("record migration %s: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return ran, err
		}
		ran = append(ran, m.Version)
	}

	return ran, nil
}
