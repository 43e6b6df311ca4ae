package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const migrationsLogPrefix = "db:migrations"

const (
	upSuffix   = ".sql"
	downSuffix = ".down.sql"

	createVersionTable = `CREATE TABLE IF NOT EXISTS gateway_schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
)

// Migration is one numbered change to the registry snapshot schema. Version
// is the file name without its suffix, e.g. "001_init". Down comes from the
// matching <version>.down.sql and is empty when the change cannot be undone.
type Migration struct {
	Version string
	Up      string
	Down    string
}

// MigrationState pairs a migration version with whether it is applied.
type MigrationState struct {
	Version string
	Applied bool
}

// LoadMigrations reads <version>.sql and optional <version>.down.sql files
// from dir, ordered by version.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	byVersion := make(map[string]*Migration)
	get := func(version string) *Migration {
		m, ok := byVersion[version]
		if !ok {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		return m
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, upSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, name, err)
		}
		if version, ok := strings.CutSuffix(name, downSuffix); ok {
			get(version).Down = string(data)
			continue
		}
		get(strings.TrimSuffix(name, upSuffix)).Up = string(data)
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("%s - %s%s has no matching %s%s", migrationsLogPrefix, m.Version, downSuffix, m.Version, upSuffix)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	zap.S().Debugf("%s - found %d migrations in %s", migrationsLogPrefix, len(out), dir)
	return out, nil
}

// Migrate applies every migration not yet recorded, each in its own
// transaction, and returns how many ran.
func Migrate(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (int, error) {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return 0, err
	}
	todo := pending(migrations, applied)
	for _, m := range todo {
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO gateway_schema_migrations (version) VALUES ($1)`, m.Version)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("%s - failed to apply %s: %w", migrationsLogPrefix, m.Version, err)
		}
		zap.S().Infof("%s - applied %s", migrationsLogPrefix, m.Version)
	}
	zap.S().Infof("%s - schema up to date (%d applied now, %d total)", migrationsLogPrefix, len(todo), len(migrations))
	return len(todo), nil
}

// RollbackLast undoes the most recently applied migration and returns its
// version. It fails when that migration has no down file.
func RollbackLast(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) (string, error) {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", fmt.Errorf("%s - nothing to roll back", migrationsLogPrefix)
	}
	last := applied[len(applied)-1]

	var target *Migration
	for i := range migrations {
		if migrations[i].Version == last {
			target = &migrations[i]
		}
	}
	if target == nil || target.Down == "" {
		return "", fmt.Errorf("%s - %s cannot be rolled back: no %s%s", migrationsLogPrefix, last, last, downSuffix)
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, target.Down); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM gateway_schema_migrations WHERE version = $1`, last)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%s - failed to roll back %s: %w", migrationsLogPrefix, last, err)
	}
	zap.S().Infof("%s - rolled back %s", migrationsLogPrefix, last)
	return last, nil
}

// MigrationStatus reports which of migrations are applied.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) ([]MigrationState, error) {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return nil, err
	}
	return status(migrations, applied), nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	if _, err := pool.Exec(ctx, createVersionTable); err != nil {
		return nil, fmt.Errorf("%s - failed to create version table: %w", migrationsLogPrefix, err)
	}
	rows, err := pool.Query(ctx, `SELECT version FROM gateway_schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read applied versions: %w", migrationsLogPrefix, err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s - failed to scan applied versions: %w", migrationsLogPrefix, err)
	}
	return versions, nil
}

func pending(migrations []Migration, applied []string) []Migration {
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}
	var out []Migration
	for _, m := range migrations {
		if !done[m.Version] {
			out = append(out, m)
		}
	}
	return out
}

func status(migrations []Migration, applied []string) []MigrationState {
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}
	out := make([]MigrationState, len(migrations))
	for i, m := range migrations {
		out[i] = MigrationState{Version: m.Version, Applied: done[m.Version]}
	}
	return out
}
