package db

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const ensureLogPrefix = "db:ensure"

// Database names are used unquoted in logs and quoted in DDL; keep them plain.
var databaseNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// EnsureDatabase creates the snapshot database named by databaseURL when it
// is missing. It talks to the server through its postgres maintenance database.
func EnsureDatabase(ctx context.Context, databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("%s - failed to parse DATABASE_URL: %w", ensureLogPrefix, err)
	}
	name, err := targetDatabase(u)
	if err != nil {
		return err
	}

	cfg, err := pgx.ParseConfig(maintenanceURL(u))
	if err != nil {
		return fmt.Errorf("%s - failed to parse maintenance url: %w", ensureLogPrefix, err)
	}
	// CREATE DATABASE cannot run inside the implicit transaction of an
	// extended-protocol statement.
	cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%s - failed to reach %s: %w", ensureLogPrefix, cfg.Host, err)
	}
	defer conn.Close(ctx)

	var found bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&found); err != nil {
		return fmt.Errorf("%s - failed to look up database %s: %w", ensureLogPrefix, name, err)
	}
	if found {
		zap.S().Infof("%s - database %s already exists", ensureLogPrefix, name)
		return nil
	}

	if _, err := conn.Exec(ctx, "CREATE DATABASE "+quoteIdent(name)); err != nil {
		return fmt.Errorf("%s - failed to create database %s: %w", ensureLogPrefix, name, err)
	}
	zap.S().Infof("%s - created database %s", ensureLogPrefix, name)
	return nil
}

// targetDatabase returns the database name in u's path.
func targetDatabase(u *url.URL) (string, error) {
	name := strings.TrimSpace(strings.Trim(u.Path, "/"))
	switch {
	case name == "":
		return "", fmt.Errorf("%s - DATABASE_URL names no database", ensureLogPrefix)
	case !databaseNamePattern.MatchString(name):
		return "", fmt.Errorf("%s - database name %q may only use letters, digits and underscores", ensureLogPrefix, name)
	}
	return name, nil
}

// maintenanceURL points u at the postgres database, keeping credentials and query.
func maintenanceURL(u *url.URL) string {
	m := *u
	m.Path = "/postgres"
	return m.String()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
