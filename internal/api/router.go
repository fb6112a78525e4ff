package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mam15mon/network/internal/auth"
	"github.com/mam15mon/network/internal/inventory"
	"github.com/mam15mon/network/internal/repositories"
	"github.com/mam15mon/network/internal/runner"
	"github.com/mam15mon/network/internal/scheduler"
	"github.com/mam15mon/network/internal/snapshot"
	"github.com/mam15mon/network/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and passed
// to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.Service
	JWTManager  *auth.JWTManager
	Inventory   *inventory.Service
	Runner      *runner.Runner
	Scheduler   *scheduler.Scheduler
	Snapshots   *snapshot.Service
	Hub         *websocket.Hub
	Logger      *zap.Logger

	// Repositories used directly by handlers that need no service-layer
	// logic on top.
	Devices      repositories.DeviceRepository
	Jobs         repositories.JobRepository
	Schedules    repositories.ScheduleRepository
	SnapshotRepo repositories.SnapshotRepository
}

// NewRouter builds and returns the fully configured Chi router.
// All resources live under /api/v1; /healthz and /metrics are unauthenticated.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger)
	deviceHandler := NewDeviceHandler(cfg.Devices, cfg.Inventory, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Runner, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.Schedules, cfg.Scheduler, cfg.Logger)
	snapshotHandler := NewSnapshotHandler(cfg.SnapshotRepo, cfg.Snapshots, cfg.Logger)
	capabilitiesHandler := NewCapabilitiesHandler()
	wsHandler := NewWSHandler(cfg.Hub, cfg.JWTManager, cfg.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, envelope{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// Public routes.
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)

			// WebSocket authenticates via query parameter inside the handler.
			r.Get("/ws", wsHandler.ServeWS)
		})

		// Authenticated routes.
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.JWTManager))

			// Devices
			r.Get("/devices", deviceHandler.List)
			r.Post("/devices", deviceHandler.Create)
			r.Get("/devices/{id}", deviceHandler.GetByID)
			r.Patch("/devices/{id}", deviceHandler.Update)
			r.Delete("/devices/{id}", deviceHandler.Delete)

			// Groups
			r.Get("/groups", deviceHandler.ListGroups)
			r.Post("/groups", deviceHandler.CreateGroup)
			r.Patch("/groups/{id}", deviceHandler.UpdateGroup)
			r.Delete("/groups/{id}", deviceHandler.DeleteGroup)

			// System defaults
			r.Get("/defaults", deviceHandler.GetDefaults)
			r.Put("/defaults", deviceHandler.UpdateDefaults)

			// Resolved inventory
			r.Get("/hosts", deviceHandler.ListHosts)
			r.Get("/hosts/{name}", deviceHandler.GetHost)
			r.Post("/inventory/reload", deviceHandler.ReloadInventory)

			// Execution catalog
			r.Get("/capabilities", capabilitiesHandler.List)

			// Jobs
			r.Get("/jobs", jobHandler.List)
			r.Post("/jobs", jobHandler.Create)
			r.Get("/jobs/{id}", jobHandler.GetByID)
			r.Get("/jobs/{id}/logs", jobHandler.GetLogs)
			r.Post("/jobs/{id}/cancel", jobHandler.Cancel)
			r.Post("/jobs/{id}/rerun", jobHandler.Rerun)

			// Backup schedules
			r.Get("/schedules", scheduleHandler.List)
			r.Post("/schedules", scheduleHandler.Create)
			r.Get("/schedules/{id}", scheduleHandler.GetByID)
			r.Patch("/schedules/{id}", scheduleHandler.Update)
			r.Delete("/schedules/{id}", scheduleHandler.Delete)
			r.Post("/schedules/{id}/run", scheduleHandler.Run)
			r.Get("/schedules/{id}/runs", scheduleHandler.ListRuns)

			// Configuration snapshots
			r.Post("/snapshots/capture", snapshotHandler.Capture)
			r.Get("/snapshots", snapshotHandler.List)
			r.Get("/snapshots/{id}", snapshotHandler.GetByID)
			r.Get("/snapshots/{id}/diff/{other}", snapshotHandler.Diff)
		})
	})

	return r
}
