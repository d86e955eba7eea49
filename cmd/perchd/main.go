package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/perch-run/perch/common/crypto"
	"github.com/perch-run/perch/common/environment"
	"github.com/perch-run/perch/common/version"
	"github.com/perch-run/perch/internal/perch/app"
)

func main() {
	fmt.Printf("perchd — agent runtime control plane\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Println()

	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	daemon, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize perchd: %v\n", err)
		os.Exit(1)
	}
	defer daemon.Stop()

	if err := daemon.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running perchd: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the daemon configuration from the environment.
func loadConfig() (*app.Config, error) {
	adminToken, err := environment.RequiredString("PERCH_ADMIN_TOKEN")
	if err != nil {
		return nil, err
	}

	masterKeyHex, err := environment.RequiredString("PERCH_MASTER_KEY")
	if err != nil {
		return nil, fmt.Errorf("%w\nGenerate a key with: openssl rand -hex 32", err)
	}
	masterKey, err := crypto.ParseMasterKey(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("PERCH_MASTER_KEY: %w", err)
	}

	poolKey := environment.StringOr("PERCH_POOL_API_KEY", "")
	if poolKey == "" {
		slog.Warn("PERCH_POOL_API_KEY is not set; free-tier instances will have no provider credentials")
	}

	return &app.Config{
		DatabasePath: environment.StringOr("PERCH_DB_PATH", "./perch.db"),
		ListenAddr:   environment.StringOr("PERCH_LISTEN_ADDR", ":8080"),
		AdminToken:   adminToken,
		MasterKey:    masterKey,

		RuntimeImage: environment.StringOr("PERCH_RUNTIME_IMAGE", "perch/runtime:latest"),
		PortBase:     environment.IntOr("PERCH_PORT_BASE", 20000),
		PortRange:    environment.IntOr("PERCH_PORT_RANGE", 1000),
		PoolAPIKey:   poolKey,

		TierCatalogPath: environment.StringOr("PERCH_TIER_CATALOG", ""),
		StaticTier:      environment.StringOr("PERCH_STATIC_TIER", "free"),
		BillingURL:      environment.StringOr("PERCH_BILLING_URL", ""),
		BillingToken:    environment.StringOr("PERCH_BILLING_TOKEN", ""),

		MatrixHomeserver:  environment.StringOr("PERCH_MATRIX_HOMESERVER", ""),
		MatrixUserID:      environment.StringOr("PERCH_MATRIX_USER_ID", ""),
		MatrixAccessToken: environment.StringOr("PERCH_MATRIX_ACCESS_TOKEN", ""),
		MatrixAlarmRoom:   environment.StringOr("PERCH_MATRIX_ALARM_ROOM", ""),

		ReconcileInterval: environment.DurationOr("PERCH_RECONCILE_INTERVAL", 30*time.Second),
	}, nil
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(environment.StringOr("PERCH_LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
