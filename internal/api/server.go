// Package api exposes batch orchestration over HTTP: enqueue, tick triggers
// for the external cron, and the admin console.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/reviewpilot/batchd/internal/admin"
	"github.com/reviewpilot/batchd/internal/batch"
	"github.com/reviewpilot/batchd/internal/model"
)

// Roles accepted by the router.
const (
	RoleAdmin   = "admin"
	RoleService = "service"
)

// Ticker advances batch runs.
type Ticker interface {
	Tick(ctx context.Context, jobType model.JobType) (model.TickSummary, error)
	TickAll(ctx context.Context) ([]model.TickSummary, error)
}

// Enqueuer creates batch runs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req batch.EnqueueRequest) (*model.BatchRun, error)
}

// Scheduler enqueues due tracked keywords.
type Scheduler interface {
	Run(ctx context.Context) (batch.ScheduleSummary, error)
}

// Console serves admin reads and writes.
type Console interface {
	Overview(ctx context.Context, q admin.OverviewQuery) (*admin.Overview, error)
	ForceFail(ctx context.Context, jobType model.JobType, runID string) (*admin.ActionResult, error)
	Retry(ctx context.Context, jobType model.JobType, runID string) (*admin.ActionResult, error)
}

// Deps wires the router.
type Deps struct {
	Ticker      Ticker
	Enqueuer    Enqueuer
	Scheduler   Scheduler
	Console     Console
	JWTSecret   []byte
	CORSOrigins []string
}

// Handler holds the route handlers.
type Handler struct {
	ticker    Ticker
	enqueuer  Enqueuer
	scheduler Scheduler
	console   Console
	validate  *validator.Validate
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	h := &Handler{
		ticker:    d.Ticker,
		enqueuer:  d.Enqueuer,
		scheduler: d.Scheduler,
		console:   d.Console,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(RequireRole(d.JWTSecret, RoleAdmin, RoleService))
		r.Post("/batch-runs", h.Enqueue)
		r.Post("/ticks/schedule", h.Schedule)
		r.Post("/ticks/{jobType}", h.Tick)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(RequireRole(d.JWTSecret, RoleAdmin))
		r.Get("/batch-runs", h.Overview)
		r.Post("/batch-runs", h.Action)
	})

	return r
}
