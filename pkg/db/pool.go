// Package db persists the service registry in Postgres via pgx.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const logPrefix = "db:pool"

const (
	applicationName = "service-gateway"
	// The registry writes one snapshot per announcement, so a small pool is plenty.
	maxConns    = 8
	minConns    = 1
	pingTimeout = 5 * time.Second
)

// NewPool opens a pgx pool for the registry snapshot store and checks that
// the database answers.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse DATABASE_URL: %w", logPrefix, err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	if cfg.ConnConfig.RuntimeParams["application_name"] == "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open registry store: %w", logPrefix, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - registry store at %s unreachable: %w", logPrefix, cfg.ConnConfig.Host, err)
	}

	zap.S().Infof("%s - registry store connected to %s/%s", logPrefix, cfg.ConnConfig.Host, cfg.ConnConfig.Database)
	return pool, nil
}
