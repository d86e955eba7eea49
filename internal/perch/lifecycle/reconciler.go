package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/perch-run/perch/internal/perch/alarm"
	"github.com/perch-run/perch/internal/perch/store"
	"github.com/perch-run/perch/internal/perch/supervisor"
)

// ReconcilerConfig configures the reconciliation loop.
type ReconcilerConfig struct {
	// Interval is how often to poll container state. Defaults to 30s.
	Interval time.Duration
}

// Reconciler periodically syncs observed container state into the instance
// registry and raises drift alarms. Containers die behind perchd's back —
// OOM kills, docker restarts, operator mistakes — and the registry should
// converge on reality rather than on intent.
type Reconciler struct {
	store    *store.Store
	runtime  Runtime
	notifier alarm.Notifier
	cfg      ReconcilerConfig
}

// NewReconciler creates a Reconciler.
func NewReconciler(st *store.Store, rt Runtime, notifier alarm.Notifier, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if notifier == nil {
		notifier = alarm.Noop{}
	}
	return &Reconciler{store: st, runtime: rt, notifier: notifier, cfg: cfg}
}

// Run starts the reconciliation loop. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("reconciler starting", "interval", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				slog.Error("reconcile pass failed", "err", err)
			}
		}
	}
}

// Reconcile runs a single pass over all live instances.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	instances, err := r.store.ListInstances(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	for _, inst := range instances {
		switch inst.Status {
		case store.StatusDeleted, store.StatusPending, store.StatusError:
			// Pending rows belong to an in-flight create; error rows wait for
			// the tenant to delete. Neither is ours to move.
			continue
		}
		if !inst.ContainerID.Valid {
			continue
		}

		state, err := r.runtime.Inspect(ctx, inst.ContainerID.String)
		if err != nil {
			slog.Warn("reconcile: inspect failed", "instance", inst.ID, "err", err)
			continue
		}

		observed := observedStatus(state)
		if observed == inst.Status {
			continue
		}

		slog.Info("reconcile: instance drifted",
			"instance", inst.ID, "from", inst.Status, "to", observed,
			"container", state.Status, "exit_code", state.ExitCode)
		if err := r.store.UpdateInstanceStatus(ctx, inst.ID, observed); err != nil {
			slog.Error("reconcile: status update failed", "instance", inst.ID, "err", err)
			continue
		}
		if inst.Status == store.StatusRunning {
			r.notifier.Notify(ctx, alarm.Event{
				Kind:     alarm.KindReconcileDrift,
				Tenant:   inst.TenantID,
				Instance: inst.ID,
				Message: fmt.Sprintf("expected running, found %s (exit_code=%d)",
					state.Status, state.ExitCode),
			})
		}
	}
	return nil
}

// observedStatus maps a container's observed state onto the registry status.
func observedStatus(state supervisor.State) store.Status {
	switch {
	case !state.Exists:
		return store.StatusError
	case state.Running:
		return store.StatusRunning
	default:
		return store.StatusStopped
	}
}
