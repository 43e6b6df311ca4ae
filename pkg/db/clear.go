package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const clearLogPrefix = "db:clear"

// ClearRegistry truncates the service tables. The schema is kept.
func ClearRegistry(ctx context.Context, pool *pgxpool.Pool) error {
	zap.S().Infof("%s - clearing service tables", clearLogPrefix)

	_, err := pool.Exec(ctx, `TRUNCATE TABLE
		service_instances,
		service_commands,
		service_endpoints,
		services
		CASCADE`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	zap.S().Infof("%s - service tables cleared", clearLogPrefix)
	return nil
}
