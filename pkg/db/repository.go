package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// Repository provides data access for the service registry tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// =========================================================================
// SERVICE OPERATIONS
// =========================================================================

// SaveService upserts the service row and replaces all of its child rows in one transaction.
func (r *Repository) SaveService(ctx context.Context, svc *Service) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - SaveService begin failed: %w", repoLogPrefix, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	channels := svc.Channels
	if channels == nil {
		channels = []string{}
	}

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO services (id, name, supported_channels, hostname, port)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   supported_channels = EXCLUDED.supported_channels,
		   hostname = EXCLUDED.hostname,
		   port = EXCLUDED.port,
		   modified = NOW()`,
		svc.ID, svc.Name, channels, svc.Hostname, svc.Port)
	batch.Queue(`DELETE FROM service_endpoints WHERE service_id = $1`, svc.ID)
	batch.Queue(`DELETE FROM service_commands WHERE service_id = $1`, svc.ID)
	batch.Queue(`DELETE FROM service_instances WHERE service_id = $1`, svc.ID)
	for i, ep := range svc.Endpoints {
		batch.Queue(
			`INSERT INTO service_endpoints (service_id, position, url, method) VALUES ($1, $2, $3, $4)`,
			svc.ID, i, ep.URL, ep.Method)
	}
	for i, c := range svc.Commands {
		batch.Queue(
			`INSERT INTO service_commands (service_id, position, category, type) VALUES ($1, $2, $3, $4)`,
			svc.ID, i, c.Category, c.Type)
	}
	for i, inst := range svc.Instances {
		batch.Queue(
			`INSERT INTO service_instances (service_id, instance_id, status, position) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (service_id, instance_id) DO UPDATE SET status = EXCLUDED.status`,
			svc.ID, inst.InstanceID, inst.Status, i)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%s - SaveService %s failed: %w", repoLogPrefix, svc.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - SaveService commit failed: %w", repoLogPrefix, err)
	}
	return nil
}

// DeleteService removes the service and, through cascade, its child rows.
// Deleting an unknown id is not an error.
func (r *Repository) DeleteService(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM services WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%s - DeleteService failed: %w", repoLogPrefix, err)
	}
	return nil
}

// GetService returns the service by id, or nil if not found.
func (r *Repository) GetService(ctx context.Context, id string) (*Service, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, supported_channels, hostname, port, created, modified
		 FROM services WHERE id = $1`, id)
	svc, err := scanService(row)
	if err != nil || svc == nil {
		return nil, err
	}
	byID := map[string]*Service{svc.ID: svc}
	if err := r.loadChildren(ctx, []string{svc.ID}, byID); err != nil {
		return nil, err
	}
	return svc, nil
}

// ListServices returns every service ordered by creation time, children included.
func (r *Repository) ListServices(ctx context.Context) ([]Service, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, supported_channels, hostname, port, created, modified
		 FROM services ORDER BY created, id`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListServices failed: %w", repoLogPrefix, err)
	}
	var services []*Service
	for rows.Next() {
		svc, err := scanServiceFromRows(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		services = append(services, svc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - ListServices rows failed: %w", repoLogPrefix, err)
	}

	ids := make([]string, 0, len(services))
	byID := make(map[string]*Service, len(services))
	for _, svc := range services {
		ids = append(ids, svc.ID)
		byID[svc.ID] = svc
	}
	if err := r.loadChildren(ctx, ids, byID); err != nil {
		return nil, err
	}

	out := make([]Service, 0, len(services))
	for _, svc := range services {
		out = append(out, *svc)
	}
	return out, nil
}

// CountServices returns the number of stored services.
func (r *Repository) CountServices(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM services`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s - CountServices failed: %w", repoLogPrefix, err)
	}
	return n, nil
}

// =========================================================================
// CHILD ROWS
// =========================================================================

func (r *Repository) loadChildren(ctx context.Context, ids []string, byID map[string]*Service) error {
	if len(ids) == 0 {
		return nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT service_id, url, method FROM service_endpoints
		 WHERE service_id = ANY($1) ORDER BY service_id, position`, ids)
	if err != nil {
		return fmt.Errorf("%s - load endpoints failed: %w", repoLogPrefix, err)
	}
	for rows.Next() {
		var serviceID string
		var ep Endpoint
		if err := rows.Scan(&serviceID, &ep.URL, &ep.Method); err != nil {
			rows.Close()
			return fmt.Errorf("%s - scan endpoint failed: %w", repoLogPrefix, err)
		}
		byID[serviceID].Endpoints = append(byID[serviceID].Endpoints, ep)
	}
	rows.Close()

	rows, err = r.pool.Query(ctx,
		`SELECT service_id, category, type FROM service_commands
		 WHERE service_id = ANY($1) ORDER BY service_id, position`, ids)
	if err != nil {
		return fmt.Errorf("%s - load commands failed: %w", repoLogPrefix, err)
	}
	for rows.Next() {
		var serviceID string
		var c Command
		if err := rows.Scan(&serviceID, &c.Category, &c.Type); err != nil {
			rows.Close()
			return fmt.Errorf("%s - scan command failed: %w", repoLogPrefix, err)
		}
		byID[serviceID].Commands = append(byID[serviceID].Commands, c)
	}
	rows.Close()

	rows, err = r.pool.Query(ctx,
		`SELECT service_id, instance_id, status FROM service_instances
		 WHERE service_id = ANY($1) ORDER BY service_id, position`, ids)
	if err != nil {
		return fmt.Errorf("%s - load instances failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()
	for rows.Next() {
		var inst ServiceInstance
		if err := rows.Scan(&inst.ServiceID, &inst.InstanceID, &inst.Status); err != nil {
			return fmt.Errorf("%s - scan instance failed: %w", repoLogPrefix, err)
		}
		byID[inst.ServiceID].Instances = append(byID[inst.ServiceID].Instances, inst)
	}
	return rows.Err()
}

// =========================================================================
// SCAN HELPERS
// =========================================================================

func scanService(row pgx.Row) (*Service, error) {
	var s Service
	err := row.Scan(&s.ID, &s.Name, &s.Channels, &s.Hostname, &s.Port, &s.Created, &s.Modified)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan service failed: %w", repoLogPrefix, err)
	}
	return &s, nil
}

func scanServiceFromRows(rows pgx.Rows) (*Service, error) {
	var s Service
	if err := rows.Scan(&s.ID, &s.Name, &s.Channels, &s.Hostname, &s.Port, &s.Created, &s.Modified); err != nil {
		return nil, fmt.Errorf("%s - scan service from rows failed: %w", repoLogPrefix, err)
	}
	return &s, nil
}
