// Package app wires the perch control plane together: registry store, Docker
// supervisor, port allocator, tier catalog, billing resolver, alarm channel,
// lifecycle manager, reconciler, and the HTTP admin server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perch-run/perch/internal/perch/alarm"
	"github.com/perch-run/perch/internal/perch/billing"
	"github.com/perch-run/perch/internal/perch/httpapi"
	"github.com/perch-run/perch/internal/perch/lifecycle"
	"github.com/perch-run/perch/internal/perch/ports"
	"github.com/perch-run/perch/internal/perch/store"
	"github.com/perch-run/perch/internal/perch/supervisor"
	"github.com/perch-run/perch/internal/perch/tiers"
)

// Config is the daemon configuration, loaded from the environment by
// cmd/perchd.
type Config struct {
	DatabasePath string
	ListenAddr   string
	AdminToken   string
	MasterKey    []byte

	RuntimeImage string
	PortBase     int
	PortRange    int
	PoolAPIKey   string

	TierCatalogPath string
	// StaticTier is used when no billing service is configured.
	StaticTier   string
	BillingURL   string
	BillingToken string

	MatrixHomeserver  string
	MatrixUserID      string
	MatrixAccessToken string
	MatrixAlarmRoom   string

	ReconcileInterval time.Duration
}

// App is the assembled daemon.
type App struct {
	cfg        *Config
	store      *store.Store
	reconciler *lifecycle.Reconciler
	httpServer *http.Server
}

// New builds the daemon from cfg. Fails fast on anything misconfigured.
func New(cfg *Config) (*App, error) {
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sup, err := supervisor.New()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("docker: %w", err)
	}

	alloc, err := ports.New(cfg.PortBase, cfg.PortRange,
		ports.SourceFunc(st.ActivePorts), sup)
	if err != nil {
		st.Close()
		return nil, err
	}

	catalog, err := tiers.Load(cfg.TierCatalogPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	notifier := alarm.Notifier(alarm.Noop{})
	if cfg.MatrixHomeserver != "" && cfg.MatrixAlarmRoom != "" {
		sender, err := alarm.NewMatrixSender(cfg.MatrixHomeserver, cfg.MatrixUserID, cfg.MatrixAccessToken)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("matrix: %w", err)
		}
		notifier = alarm.NewMatrixNotifier(sender, cfg.MatrixAlarmRoom)
	}

	var resolver billing.Resolver
	if cfg.BillingURL != "" {
		resolver = billing.NewClient(cfg.BillingURL, cfg.BillingToken)
	} else {
		tier := tiers.Tier(cfg.StaticTier)
		if !tier.Valid() {
			st.Close()
			return nil, fmt.Errorf("unknown static tier %q", cfg.StaticTier)
		}
		slog.Warn("no billing service configured; all tenants resolve to one tier", "tier", tier)
		resolver = billing.Static{Tier: tier}
	}

	manager := lifecycle.New(st, sup, alloc, resolver, catalog, notifier, lifecycle.Config{
		Image:      cfg.RuntimeImage,
		PoolAPIKey: cfg.PoolAPIKey,
		MasterKey:  cfg.MasterKey,
	})

	return &App{
		cfg:        cfg,
		store:      st,
		reconciler: lifecycle.NewReconciler(st, sup, notifier, lifecycle.ReconcilerConfig{Interval: cfg.ReconcileInterval}),
		httpServer: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           httpapi.New(manager, cfg.AdminToken).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run starts the reconciler and the admin server and blocks until SIGINT or
// SIGTERM, then shuts down gracefully.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.reconciler.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin api listening", "addr", a.cfg.ListenAddr)
		if err := a.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Stop releases resources after Run returns.
func (a *App) Stop() {
	if err := a.store.Close(); err != nil {
		slog.Error("closing store", "err", err)
	}
}
