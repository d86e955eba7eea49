// Package lifecycle drives instances through their states: create, start,
// stop, soft delete, status, and configuration updates. It owns the ordering
// between the registry, the port allocator, and the container runtime.
package lifecycle

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/perch-run/perch/common/crypto"
	"github.com/perch-run/perch/internal/perch/alarm"
	"github.com/perch-run/perch/internal/perch/billing"
	"github.com/perch-run/perch/internal/perch/configgen"
	"github.com/perch-run/perch/internal/perch/store"
	"github.com/perch-run/perch/internal/perch/supervisor"
	"github.com/perch-run/perch/internal/perch/tiers"
)

// configPath is where the runtime reads its configuration inside the
// container.
const configPath = "/data/config.json"

// gatewayBind is the address the runtime's gateway binds inside the
// container.
const gatewayBind = "0.0.0.0:9400"

var (
	// ErrInstanceDeleted is returned for operations on a soft-deleted
	// instance. Deleted is terminal.
	ErrInstanceDeleted = errors.New("lifecycle: instance is deleted")
	// ErrNoContainerAttached is returned when an operation needs a container
	// the instance does not have.
	ErrNoContainerAttached = errors.New("lifecycle: instance has no container")
)

// ConfigApplyError reports a configuration update that failed partway. Stage
// names the step that failed; the instance's persisted snapshot is only
// advanced after the document landed in the container.
type ConfigApplyError struct {
	Stage string
	Err   error
}

func (e *ConfigApplyError) Error() string {
	return fmt.Sprintf("config apply failed at %s: %v", e.Stage, e.Err)
}

func (e *ConfigApplyError) Unwrap() error { return e.Err }

// Runtime is the container operations the manager needs. *supervisor.Supervisor
// satisfies it; tests fake it.
type Runtime interface {
	CreateAndStart(ctx context.Context, spec supervisor.Spec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (supervisor.State, error)
	ReadFile(ctx context.Context, containerID, path string) ([]byte, error)
	WriteFile(ctx context.Context, containerID, path string, data []byte) error
}

// PortAllocator hands out host ports for new instances.
type PortAllocator interface {
	Allocate(ctx context.Context) (int, error)
}

// Config holds the manager's fixed parameters.
type Config struct {
	// Image is the runtime container image.
	Image string
	// PoolAPIKey is the operator's pooled provider key for free-tier
	// instances.
	PoolAPIKey string
	// MasterKey encrypts gateway tokens at rest.
	MasterKey []byte
}

// Manager orchestrates instance lifecycles. Creates are serialized so the
// port allocator and the one-instance-per-tenant check cannot race; the
// registry's partial unique indexes are the last line of defense.
type Manager struct {
	store    *store.Store
	runtime  Runtime
	ports    PortAllocator
	billing  billing.Resolver
	catalog  *tiers.Catalog
	notifier alarm.Notifier
	cfg      Config

	createMu sync.Mutex
}

// New builds a Manager.
func New(st *store.Store, rt Runtime, alloc PortAllocator, resolver billing.Resolver, catalog *tiers.Catalog, notifier alarm.Notifier, cfg Config) *Manager {
	if notifier == nil {
		notifier = alarm.Noop{}
	}
	return &Manager{
		store:    st,
		runtime:  rt,
		ports:    alloc,
		billing:  resolver,
		catalog:  catalog,
		notifier: notifier,
		cfg:      cfg,
	}
}

func (m *Manager) pool() configgen.Pool {
	return configgen.Pool{
		Provider: m.catalog.FreePool.Provider,
		Model:    m.catalog.FreePool.Model,
		APIKey:   m.cfg.PoolAPIKey,
	}
}

// Create provisions an instance for the tenant. Idempotent: a tenant with a
// live instance gets that instance back instead of a second one.
//
// Ordering matters. The port is claimed by persisting the pending row before
// the container exists, so a crash leaks at worst a row (cleaned by delete),
// never an untracked container holding a port. If provisioning fails after
// the row exists the instance lands in error state, still holding its port
// and visible to the tenant; delete reclaims both.
func (m *Manager) Create(ctx context.Context, tenantID string, choices configgen.Choices) (*store.Instance, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()

	existing, err := m.store.FindActiveByTenant(ctx, tenantID)
	if err == nil {
		slog.Info("create: tenant already has an instance", "tenant", tenantID, "instance", existing.ID)
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	tier, err := m.billing.TierFor(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tier: %w", err)
	}
	limits := m.catalog.Limits(tier)

	port, err := m.ports.Allocate(ctx)
	if err != nil {
		return nil, err
	}

	gatewayToken := uuid.NewString()
	encToken, err := crypto.EncryptString(m.cfg.MasterKey, gatewayToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt gateway token: %w", err)
	}

	snapshot, err := configgen.SnapshotJSON(choices)
	if err != nil {
		return nil, err
	}

	inst := &store.Instance{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Port:           nullInt(port),
		Status:         store.StatusPending,
		ConfigSnapshot: snapshot,
		GatewayToken:   encToken,
	}
	if err := m.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	doc, err := m.renderDocument(tier, choices, gatewayToken, limits)
	if err != nil {
		// Nothing was provisioned; the row is dead weight until deleted.
		m.fail(ctx, inst, "materialize config", err)
		return nil, err
	}

	// The document travels in the environment so the runtime's first boot
	// already has the right model, provider, and gateway token. The exec
	// write path is only needed for updates to a live container.
	containerID, err := m.runtime.CreateAndStart(ctx, supervisor.Spec{
		InstanceID: inst.ID,
		TenantID:   tenantID,
		Image:      m.cfg.Image,
		HostPort:   port,
		Volume:     volumeName(inst.ID),
		MemoryMB:   limits.MemoryMB,
		CPUs:       limits.CPUs,
		Env: map[string]string{
			"PERCH_CONFIG_B64": base64.StdEncoding.EncodeToString(doc),
		},
	})
	if err != nil {
		m.fail(ctx, inst, "create container", err)
		return nil, fmt.Errorf("provision instance %s: %w", inst.ID, err)
	}
	if err := m.store.UpdateInstanceContainer(ctx, inst.ID, containerID); err != nil {
		m.fail(ctx, inst, "persist container id", err)
		return nil, err
	}
	inst.ContainerID = nullString(containerID)

	if err := m.store.UpdateInstanceStatus(ctx, inst.ID, store.StatusRunning); err != nil {
		return nil, err
	}
	inst.Status = store.StatusRunning

	slog.Info("instance created", "tenant", tenantID, "instance", inst.ID, "tier", tier, "port", port)
	m.notifier.Notify(ctx, alarm.Event{
		Kind:     alarm.KindInstanceCreated,
		Tenant:   tenantID,
		Instance: inst.ID,
		Message:  fmt.Sprintf("provisioned on port %d (%s tier)", port, tier),
	})
	return inst, nil
}

// renderDocument materializes, defaults, validates, and encodes a fresh
// configuration document.
func (m *Manager) renderDocument(tier tiers.Tier, choices configgen.Choices, gatewayToken string, limits tiers.Limits) ([]byte, error) {
	doc, err := configgen.Materialize(tier, choices, configgen.Params{
		GatewayToken: gatewayToken,
		GatewayBind:  gatewayBind,
		Pool:         m.pool(),
		Limits:       limits,
	})
	if err != nil {
		return nil, err
	}
	docMap, err := doc.ToMap()
	if err != nil {
		return nil, err
	}
	configgen.ApplyPolicyDefaults(docMap)
	if err := configgen.ValidateDocument(docMap); err != nil {
		return nil, err
	}
	return configgen.EncodeDocument(docMap)
}

// fail parks the instance in error state. The port stays claimed until the
// tenant (or an operator) deletes the instance, so a retry cannot double-book
// it while the failed container may still exist.
func (m *Manager) fail(ctx context.Context, inst *store.Instance, stage string, cause error) {
	slog.Error("instance provisioning failed", "instance", inst.ID, "stage", stage, "err", cause)
	if err := m.store.UpdateInstanceStatus(ctx, inst.ID, store.StatusError); err != nil {
		slog.Error("could not mark instance errored", "instance", inst.ID, "err", err)
	}
	m.notifier.Notify(ctx, alarm.Event{
		Kind:     alarm.KindError,
		Tenant:   inst.TenantID,
		Instance: inst.ID,
		Message:  fmt.Sprintf("provisioning failed at %s: %v", stage, cause),
	})
}

// Start starts a stopped instance's container.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.activeInstance(ctx, id)
	if err != nil {
		return err
	}
	if !inst.ContainerID.Valid {
		return fmt.Errorf("%w: %s", ErrNoContainerAttached, id)
	}
	if err := m.runtime.Start(ctx, inst.ContainerID.String); err != nil {
		return err
	}
	if err := m.store.UpdateInstanceStatus(ctx, id, store.StatusRunning); err != nil {
		return err
	}
	m.notifier.Notify(ctx, alarm.Event{
		Kind: alarm.KindInstanceStarted, Tenant: inst.TenantID, Instance: id, Message: "started",
	})
	return nil
}

// Stop stops a running instance's container. The port and volume stay
// reserved; stopped is a resting state, not an exit.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.activeInstance(ctx, id)
	if err != nil {
		return err
	}
	if !inst.ContainerID.Valid {
		return fmt.Errorf("%w: %s", ErrNoContainerAttached, id)
	}
	if err := m.runtime.Stop(ctx, inst.ContainerID.String); err != nil {
		return err
	}
	if err := m.store.UpdateInstanceStatus(ctx, id, store.StatusStopped); err != nil {
		return err
	}
	m.notifier.Notify(ctx, alarm.Event{
		Kind: alarm.KindInstanceStopped, Tenant: inst.TenantID, Instance: id, Message: "stopped",
	})
	return nil
}

// Delete soft-deletes the instance. Container removal is best effort: a
// removal failure raises an operator alarm but never blocks the transition,
// so the tenant's slot and port are always freed. The row survives for
// history.
func (m *Manager) Delete(ctx context.Context, id string) error {
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if inst.Status == store.StatusDeleted {
		return nil
	}

	if inst.ContainerID.Valid {
		if err := m.runtime.Remove(ctx, inst.ContainerID.String); err != nil {
			slog.Error("container removal failed during delete",
				"instance", id, "container", inst.ContainerID.String, "err", err)
			m.notifier.Notify(ctx, alarm.Event{
				Kind:     alarm.KindContainerLeaked,
				Tenant:   inst.TenantID,
				Instance: id,
				Message:  fmt.Sprintf("container %s not removed: %v", inst.ContainerID.String, err),
			})
		}
	}

	if err := m.store.MarkInstanceDeleted(ctx, id); err != nil {
		return err
	}
	m.notifier.Notify(ctx, alarm.Event{
		Kind: alarm.KindInstanceDeleted, Tenant: inst.TenantID, Instance: id, Message: "deleted",
	})
	return nil
}

// InstanceStatus combines the persisted record with the container's observed
// state.
type InstanceStatus struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenant_id"`
	Status    store.Status     `json:"status"`
	Port      int              `json:"port,omitempty"`
	Container string           `json:"container"` // docker status, or "none"
	Runtime   supervisor.State `json:"-"`
}

// Status reports an instance's persisted and observed state. Instances with
// no container report "none" without touching the runtime at all. Inspect
// failures degrade to "unreachable" rather than failing the read; the
// persisted record is still worth returning when Docker is briefly down.
func (m *Manager) Status(ctx context.Context, id string) (*InstanceStatus, error) {
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	st := &InstanceStatus{
		ID:        inst.ID,
		TenantID:  inst.TenantID,
		Status:    inst.Status,
		Port:      int(inst.Port.Int64),
		Container: "none",
	}
	if !inst.ContainerID.Valid || inst.Status == store.StatusDeleted {
		return st, nil
	}

	state, err := m.runtime.Inspect(ctx, inst.ContainerID.String)
	if err != nil {
		slog.Warn("status: inspect failed, reporting container unreachable",
			"instance", id, "container", inst.ContainerID.String, "err", err)
		st.Container = "unreachable"
		return st, nil
	}
	st.Runtime = state
	if state.Exists {
		st.Container = state.Status
	}
	return st, nil
}

// Snapshot returns the instance's stored user-facing configuration choices.
func (m *Manager) Snapshot(ctx context.Context, id string) (string, error) {
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return "", err
	}
	return inst.ConfigSnapshot, nil
}

// UpdateConfig applies new configuration choices to a live instance. The
// container's current document is read back and deep-merged under the new
// material so state the runtime wrote itself (onboarding results, pairing
// allowlists) survives. The stored snapshot only advances once the document
// has landed in the container.
func (m *Manager) UpdateConfig(ctx context.Context, id string, choices configgen.Choices) error {
	inst, err := m.activeInstance(ctx, id)
	if err != nil {
		return err
	}
	if !inst.ContainerID.Valid {
		return fmt.Errorf("%w: %s", ErrNoContainerAttached, id)
	}
	containerID := inst.ContainerID.String

	tier, err := m.billing.TierFor(ctx, inst.TenantID)
	if err != nil {
		return fmt.Errorf("resolve tier: %w", err)
	}
	limits := m.catalog.Limits(tier)

	gatewayToken, err := crypto.DecryptString(m.cfg.MasterKey, inst.GatewayToken)
	if err != nil {
		return fmt.Errorf("decrypt gateway token: %w", err)
	}

	delta, err := configgen.Materialize(tier, choices, configgen.Params{
		GatewayToken: gatewayToken,
		GatewayBind:  gatewayBind,
		Pool:         m.pool(),
		Limits:       limits,
	})
	if err != nil {
		return err
	}
	deltaMap, err := delta.ToMap()
	if err != nil {
		return err
	}

	// A failed read is not fatal: proceed against an empty document rather
	// than blocking the update on a wedged container.
	existing := map[string]any{}
	current, err := m.runtime.ReadFile(ctx, containerID, configPath)
	if err != nil {
		slog.Warn("could not read current config, applying delta only", "instance", id, "err", err)
	} else if existing, err = configgen.ParseExisting(current); err != nil {
		slog.Warn("current config unparseable, applying delta only", "instance", id, "err", err)
		existing = map[string]any{}
	}

	merged := configgen.Merge(existing, deltaMap)
	configgen.ApplyPolicyDefaults(merged)
	if err := configgen.ValidateDocument(merged); err != nil {
		return &ConfigApplyError{Stage: "validate", Err: err}
	}
	data, err := configgen.EncodeDocument(merged)
	if err != nil {
		return &ConfigApplyError{Stage: "encode", Err: err}
	}

	if err := m.runtime.WriteFile(ctx, containerID, configPath, data); err != nil {
		return &ConfigApplyError{Stage: "write", Err: err}
	}
	if err := m.runtime.Restart(ctx, containerID); err != nil {
		return &ConfigApplyError{Stage: "restart", Err: err}
	}

	snapshot, err := configgen.SnapshotJSON(choices)
	if err != nil {
		return err
	}
	if err := m.store.UpdateInstanceConfigSnapshot(ctx, id, snapshot); err != nil {
		return err
	}
	slog.Info("instance config updated", "instance", id, "tier", tier)
	return nil
}

// activeInstance loads an instance and rejects deleted ones.
func (m *Manager) activeInstance(ctx context.Context, id string) (*store.Instance, error) {
	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status == store.StatusDeleted {
		return nil, fmt.Errorf("%w: %s", ErrInstanceDeleted, id)
	}
	return inst, nil
}

// List returns every instance record, deleted included.
func (m *Manager) List(ctx context.Context) ([]*store.Instance, error) {
	return m.store.ListInstances(ctx)
}

func volumeName(instanceID string) string {
	return "perch-" + instanceID + "-data"
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: true}
}
