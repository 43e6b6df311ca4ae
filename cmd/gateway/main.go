// Package main is the entrypoint for the service gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/service-gateway/internal/config"
	"github.com/morezero/service-gateway/internal/server"
	"github.com/morezero/service-gateway/pkg/db"
)

const usage = `Usage: gateway [command]
       gateway serve              Start the gateway (bus client, registry, socket gateway, HTTP).
       gateway migrate up         Run registry snapshot migrations.
       gateway migrate down       Roll back the last migration.
       gateway migrate status     Show migration status.
       gateway ensure-db [name]   Create the database if missing (default name: service_gateway).
       gateway clear              Truncate the registry snapshot tables; schema is preserved.

Commands:
  serve            (default) Start the service gateway.
  migrate up       Run database migrations only.
  migrate down     Roll back the last migration.
  migrate status   Show current migration status.
  ensure-db [name] Create a database on the same host as DATABASE_URL.
  clear            Truncate snapshot data; schema preserved.

Environment: BUS_URL, SERVICE_ID, AUTH_PUBLIC_KEY_FILE, REST_PORT, REDIS_HOST,
REST_API_URL, DATABASE_URL (migrate, ensure-db, clear), MIGRATION_PATH. See README.
`

const defaultDBName = "service_gateway"

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("gateway: %v", err)
	}
}

func run(args []string) error {
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "serve", "":
		return server.Run()
	case "migrate":
		if len(args) < 2 {
			return errors.New("migrate: require subcommand (up, down, status)")
		}
		if !slices.Contains([]string{"up", "down", "status"}, args[1]) {
			return fmt.Errorf("migrate: unknown subcommand %q (use up, down, status)", args[1])
		}
		return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
			migrations, err := db.LoadMigrations(cfg.MigrationPath)
			if err != nil {
				return fmt.Errorf("load migrations: %w", err)
			}
			return migrate(ctx, pool, args[1], migrations)
		})
	case "clear":
		return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
			return db.ClearRegistry(ctx, pool)
		})
	case "ensure-db":
		name := defaultDBName
		if len(args) > 1 && args[1] != "" {
			name = args[1]
		}
		return ensureDB(name)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
		return nil
	}
}

func migrate(ctx context.Context, pool *pgxpool.Pool, sub string, migrations []db.Migration) error {
	switch sub {
	case "up":
		n, err := db.Migrate(ctx, pool, migrations)
		if err != nil {
			return err
		}
		fmt.Printf("Applied %d migration(s).\n", n)
	case "down":
		version, err := db.RollbackLast(ctx, pool, migrations)
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back %s.\n", version)
	case "status":
		states, err := db.MigrationStatus(ctx, pool, migrations)
		if err != nil {
			return err
		}
		for _, st := range states {
			mark := "pending"
			if st.Applied {
				mark = "applied"
			}
			fmt.Printf("  %-8s %s\n", mark, st.Version)
		}
	}
	return nil
}

// withPool loads config, opens a pool on DATABASE_URL and runs fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func ensureDB(name string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	target, err := databaseURLFor(cfg.DatabaseURL, name)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), target); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", name)
	return nil
}

// databaseURLFor swaps the database name in raw, keeping host, user and query.
func databaseURLFor(raw, name string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + name
	return u.String(), nil
}
