// Command netfleetd runs the fleet execution server: REST API, WebSocket
// event feed, background job runner and the backup scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/api"
	"github.com/mam15mon/network/internal/auth"
	"github.com/mam15mon/network/internal/db"
	"github.com/mam15mon/network/internal/dispatcher"
	"github.com/mam15mon/network/internal/inventory"
	"github.com/mam15mon/network/internal/repositories"
	"github.com/mam15mon/network/internal/runner"
	"github.com/mam15mon/network/internal/scheduler"
	"github.com/mam15mon/network/internal/snapshot"
	"github.com/mam15mon/network/internal/transport/sshcli"
	"github.com/mam15mon/network/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
	dbDriver  string
	dbDSN     string
	secretKey string
	logLevel  string

	adminUser     string
	adminPassword string
	jwtPrivateKey string
	jwtPublicKey  string

	workers        int
	jobWorkers     int
	recoverPending bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "netfleetd",
		Short: "netfleetd, the network fleet execution server",
		Long: `netfleetd runs commands, configuration pushes and scheduled configuration
backups across a fleet of network devices. It exposes a REST API and a
WebSocket event feed, keeps device inventory in SQLite or PostgreSQL, and
coordinates multiple instances through database advisory locks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("NETFLEET_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("NETFLEET_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("NETFLEET_DB_DSN", "./netfleet.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("NETFLEET_SECRET_KEY", ""), "Master secret key for encrypting device credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("NETFLEET_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.adminUser, "admin-user", envOrDefault("NETFLEET_ADMIN_USER", "admin"), "Operator account username")
	root.PersistentFlags().StringVar(&cfg.adminPassword, "admin-password", envOrDefault("NETFLEET_ADMIN_PASSWORD", ""), "Operator account password or bcrypt hash (required)")
	root.PersistentFlags().StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("NETFLEET_JWT_PRIVATE_KEY", ""), "Path to PEM RSA private key for token signing (ephemeral keys when unset)")
	root.PersistentFlags().StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("NETFLEET_JWT_PUBLIC_KEY", ""), "Path to PEM RSA public key for token verification")
	root.PersistentFlags().IntVar(&cfg.workers, "device-workers", envIntOrDefault("NETFLEET_DEVICE_WORKERS", dispatcher.DefaultWorkers), "Maximum concurrent device sessions per task")
	root.PersistentFlags().IntVar(&cfg.jobWorkers, "job-workers", envIntOrDefault("NETFLEET_JOB_WORKERS", runner.DefaultWorkers), "Concurrent background jobs")
	root.PersistentFlags().BoolVar(&cfg.recoverPending, "recover-pending", os.Getenv("NETFLEET_RECOVER_PENDING") == "true", "Re-enqueue jobs left pending by a previous process on startup")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("netfleetd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required: set --secret-key or NETFLEET_SECRET_KEY")
	}
	if err := db.InitEncryption([]byte(cfg.secretKey)); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	logger.Info("starting netfleetd",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Database and repositories.
	database, err := db.New(db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	deviceRepo := repositories.NewDeviceRepository(database)
	jobRepo := repositories.NewJobRepository(database)
	scheduleRepo := repositories.NewScheduleRepository(database)
	snapshotRepo := repositories.NewSnapshotRepository(database)

	// Auth.
	var jwtMgr *auth.JWTManager
	if cfg.jwtPrivateKey != "" && cfg.jwtPublicKey != "" {
		jwtMgr, err = auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, "netfleetd")
	} else {
		jwtMgr, err = auth.NewJWTManagerGenerated("netfleetd")
	}
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	authService, err := auth.NewService(cfg.adminUser, cfg.adminPassword, jwtMgr)
	if err != nil {
		return err
	}

	// Inventory: build the first snapshot before serving anything.
	inv := inventory.NewService(deviceRepo, logger)
	if err := inv.Reload(ctx); err != nil {
		return fmt.Errorf("failed to build inventory: %w", err)
	}

	// Execution stack.
	executor := dispatcher.New(inv, sshcli.New(), logger, cfg.workers)
	snapshotService := snapshot.NewService(deviceRepo, snapshotRepo, executor, logger)

	// Events.
	hub := websocket.NewHub()
	go hub.Run(ctx)
	broadcaster := websocket.NewBroadcaster(hub)

	// Background job runner.
	jobRunner := runner.New(jobRepo, executor, broadcaster, logger, runner.Config{Workers: cfg.jobWorkers})
	jobRunner.Start(ctx)
	defer jobRunner.Stop()
	if cfg.recoverPending {
		if n, err := jobRunner.RecoverPending(ctx); err != nil {
			logger.Error("pending job recovery failed", zap.Int("recovered", n), zap.Error(err))
		}
	}

	// Backup scheduler.
	locker, err := db.NewAdvisoryLocker(database, cfg.dbDriver)
	if err != nil {
		return err
	}
	sched := scheduler.New(scheduleRepo, snapshotService, locker, broadcaster, logger)
	go sched.Run(ctx)

	// HTTP API.
	router := api.NewRouter(api.RouterConfig{
		AuthService:  authService,
		JWTManager:   jwtMgr,
		Inventory:    inv,
		Runner:       jobRunner,
		Scheduler:    sched,
		Snapshots:    snapshotService,
		Hub:          hub,
		Logger:       logger,
		Devices:      deviceRepo,
		Jobs:         jobRepo,
		Schedules:    scheduleRepo,
		SnapshotRepo: snapshotRepo,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down netfleetd")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}
