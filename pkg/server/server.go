// Package server assembles the sync-server admin HTTP API.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/kubeflow/datasync/pkg/audit"
	"github.com/kubeflow/datasync/pkg/cache"
	"github.com/kubeflow/datasync/pkg/datasync"
	"github.com/kubeflow/datasync/pkg/jobs"
	"github.com/kubeflow/datasync/pkg/manifest"
)

// Options wires the server to the running components. Nil components leave
// their routes unmounted.
type Options struct {
	DB         *gorm.DB
	Reconciler *jobs.Reconciler

	// RunNow fires one scheduled key; normally the cron scheduler's RunNow.
	RunNow func(key string) bool

	Sync      *datasync.API
	JobStore  manifest.JobStore
	SpecStore manifest.SpecStore
	Gatherer  prometheus.Gatherer

	// Cache holds /api/v1 read responses; nil disables caching.
	Cache *cache.LRU

	// Audit records mutating /api/v1 requests; nil disables auditing.
	Audit       *audit.Store
	AuditConfig *audit.Config

	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server serves health probes, metrics, and the admin API.
type Server struct {
	opts      Options
	logger    *slog.Logger
	startedAt time.Time
	ready     atomic.Bool
	router    chi.Router
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{opts: opts, logger: opts.Logger, startedAt: time.Now()}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// SetReady flips the readiness gate; /readyz fails until it is set.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.healthHandler)
	r.Get("/livez", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(audit.Middleware(s.opts.Audit, s.opts.AuditConfig, s.logger))
		r.Use(cache.Middleware(s.opts.Cache))
		if s.opts.Reconciler != nil {
			r.Mount("/jobs", jobs.Router(s.opts.Reconciler, s.opts.RunNow))
		}
		if s.opts.Sync != nil {
			r.Mount("/sync", datasync.Router(s.opts.Sync))
		}
		if s.opts.Audit != nil {
			r.Mount("/audit", audit.Router(s.opts.Audit))
		}
		if s.opts.JobStore != nil && s.opts.SpecStore != nil {
			r.Post("/manifest", manifest.ApplyHandler(s.opts.JobStore, s.opts.SpecStore, s.logger))
		}
	})
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports database connectivity and whether startup finished.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	allReady := true

	dbStatus := map[string]string{"status": "up"}
	if s.opts.DB != nil {
		sqlDB, err := s.opts.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			dbStatus["status"] = "down"
			dbStatus["error"] = err.Error()
			allReady = false
		}
	} else {
		dbStatus["status"] = "not_configured"
	}

	startup := map[string]string{"status": "complete"}
	if !s.ready.Load() {
		startup["status"] = "pending"
		allReady = false
	}

	components := map[string]any{
		"database": dbStatus,
		"startup":  startup,
	}
	if s.opts.Reconciler != nil {
		jobsStatus := map[string]any{"address": s.opts.Reconciler.Address()}
		statuses, lastTick := s.opts.Reconciler.Snapshot()
		scheduled := 0
		for _, j := range statuses {
			if j.Scheduled {
				scheduled++
			}
		}
		jobsStatus["scheduled"] = scheduled
		if !lastTick.IsZero() {
			jobsStatus["lastReconciled"] = lastTick.Format(time.RFC3339)
		}
		components["jobs"] = jobsStatus
	}

	status, code := "ready", http.StatusOK
	if !allReady {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "components": components})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
