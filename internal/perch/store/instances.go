package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is the persisted lifecycle state of an instance. The lifecycle only
// moves forward except running↔stopped; deleted is terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusDeleted  Status = "deleted"
)

// ErrNotFound is returned when no matching instance row exists.
var ErrNotFound = errors.New("store: instance not found")

// Instance is one tenant's sandboxed runtime record.
type Instance struct {
	ID       string
	TenantID string
	// ContainerID is NULL until the container has been created.
	ContainerID sql.NullString
	// Port is the allocated host port, unique among non-deleted instances.
	Port   sql.NullInt64
	Status Status
	// ConfigSnapshot holds the user-facing configuration choices as JSON.
	// It never contains secrets; the materialized document written into the
	// container is derived separately.
	ConfigSnapshot string
	// GatewayToken is the per-instance gateway auth secret, encrypted at
	// rest with the registry master key.
	GatewayToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateInstance inserts a new instance row.
func (s *Store) CreateInstance(ctx context.Context, inst *Instance) error {
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	if inst.ConfigSnapshot == "" {
		inst.ConfigSnapshot = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, tenant_id, container_id, port, status, config_snapshot, gateway_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.TenantID, inst.ContainerID, inst.Port, inst.Status,
		inst.ConfigSnapshot, inst.GatewayToken, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

const instanceColumns = `id, tenant_id, container_id, port, status, config_snapshot, gateway_token, created_at, updated_at`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	inst := &Instance{}
	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.ContainerID, &inst.Port, &inst.Status,
		&inst.ConfigSnapshot, &inst.GatewayToken, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// GetInstance returns the instance with the given id, deleted or not.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return inst, nil
}

// FindActiveByTenant returns the tenant's non-deleted instance, or
// ErrNotFound when the tenant has none. At most one can exist.
func (s *Store) FindActiveByTenant(ctx context.Context, tenantID string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE tenant_id = ? AND status != ?`,
		tenantID, StatusDeleted)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find instance for tenant %s: %w", tenantID, err)
	}
	return inst, nil
}

// ListInstances returns every instance row, newest first.
func (s *Store) ListInstances(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return instances, nil
}

// ActivePorts returns every port held by a non-deleted instance.
func (s *Store) ActivePorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT port FROM instances WHERE status != ? AND port IS NOT NULL`, StatusDeleted)
	if err != nil {
		return nil, fmt.Errorf("list active ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan port: %w", err)
		}
		ports = append(ports, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ports: %w", err)
	}
	return ports, nil
}

// UpdateInstanceStatus persists a status transition.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id string, status Status) error {
	return s.updateInstance(ctx, id,
		`UPDATE instances SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
}

// UpdateInstanceContainer records the container handle after creation.
func (s *Store) UpdateInstanceContainer(ctx context.Context, id, containerID string) error {
	return s.updateInstance(ctx, id,
		`UPDATE instances SET container_id = ?, updated_at = ? WHERE id = ?`,
		containerID, time.Now().UTC(), id)
}

// UpdateInstanceConfigSnapshot stores the user-facing configuration choices.
func (s *Store) UpdateInstanceConfigSnapshot(ctx context.Context, id, snapshot string) error {
	return s.updateInstance(ctx, id,
		`UPDATE instances SET config_snapshot = ?, updated_at = ? WHERE id = ?`,
		snapshot, time.Now().UTC(), id)
}

// MarkInstanceDeleted soft-deletes the instance. The row is retained for
// audit and usage history.
func (s *Store) MarkInstanceDeleted(ctx context.Context, id string) error {
	return s.updateInstance(ctx, id,
		`UPDATE instances SET status = ?, updated_at = ? WHERE id = ?`,
		StatusDeleted, time.Now().UTC(), id)
}

func (s *Store) updateInstance(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update instance %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
