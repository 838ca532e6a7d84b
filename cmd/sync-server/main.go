// Package main runs the sync server: the job reconciler, the backfill
// planner, the cron scheduler that drives sync runs, and the admin API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kubeflow/datasync/pkg/audit"
	"github.com/kubeflow/datasync/pkg/cache"
	"github.com/kubeflow/datasync/pkg/cron"
	"github.com/kubeflow/datasync/pkg/datasync"
	"github.com/kubeflow/datasync/pkg/db"
	"github.com/kubeflow/datasync/pkg/ha"
	"github.com/kubeflow/datasync/pkg/jobs"
	"github.com/kubeflow/datasync/pkg/manifest"
	"github.com/kubeflow/datasync/pkg/metrics"
	"github.com/kubeflow/datasync/pkg/observability"
	"github.com/kubeflow/datasync/pkg/server"

	// Source adapters register themselves in init.
	_ "github.com/kubeflow/datasync/pkg/datasync/sources/httpjson"
)

func main() {
	var (
		listenAddr   string
		databaseType string
		databaseDSN  string
		logLevel     string
		manifestPath string
	)

	flag.StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	flag.StringVar(&databaseType, "db-type", "", "Database type (mysql, postgres or sqlite)")
	flag.StringVar(&databaseDSN, "db-dsn", "", "Database connection string")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&manifestPath, "manifest", "", "Optional YAML manifest of jobs and sync specs applied at startup")
	flag.Parse()

	// Initialize glog for backwards compatibility
	_ = flag.Set("logtostderr", "true")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	node := ha.NodeConfigFromEnv()
	dbCfg := db.ConfigFromEnv()
	if databaseType != "" {
		dbCfg.Type = strings.ToLower(databaseType)
	}
	if databaseDSN != "" {
		dbCfg.DSN = databaseDSN
	}

	logger.Info("starting sync server",
		"listen", listenAddr,
		"address", node.Address,
		"dbType", dbCfg.Type,
		"sourceTypes", datasync.SourceTypes(),
	)

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfigFromEnv(), logger)
	if err != nil {
		glog.Fatalf("Failed to set up tracing: %v", err)
	}

	gormDB, err := db.Open(dbCfg, logger)
	if err != nil {
		glog.Fatalf("Failed to connect to database: %v", err)
	}

	var locker ha.MigrationLocker
	if node.MigrationLockEnabled {
		locker = ha.NewMigrationLocker(gormDB, &ha.LockOptions{Holder: node.Address, Logger: logger})
	}
	if err := db.Migrate(ctx, gormDB, locker); err != nil {
		glog.Fatalf("Failed to migrate database: %v", err)
	}

	jobStore := jobs.NewJobSpecStore(gormDB)
	specStore := datasync.NewSpecStore(gormDB)
	windowStore := datasync.NewWindowStore(gormDB)
	docStore := datasync.NewDocumentStore(gormDB)

	if manifestPath != "" {
		m, rev, err := manifest.Load(manifestPath)
		if err != nil {
			glog.Fatalf("Failed to load manifest: %v", err)
		}
		res, err := manifest.Apply(ctx, m, jobStore, specStore)
		if err != nil {
			glog.Fatalf("Failed to apply manifest: %v", err)
		}
		logger.Info("manifest applied", "path", manifestPath, "revision", rev, "jobs", res.Jobs, "syncSpecs", res.SyncSpecs)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	planner := datasync.NewPlanner(specStore, windowStore, datasync.PlannerConfigFromEnv(), m, logger)
	engine := datasync.NewEngine(specStore, windowStore, docStore, datasync.EngineConfigFromEnv(),
		datasync.WithMetrics(m), datasync.WithLogger(logger))

	targets := jobs.NewTargets()
	server.RegisterSyncTargets(targets, planner, engine)

	scheduler := cron.NewScheduler(logger)
	scheduler.Start()

	rec := jobs.NewReconciler(jobStore, scheduler, targets, node.Address, jobs.ReconcilerConfigFromEnv(), m, logger)
	go rec.Run(ctx)
	go planner.RunLoop(ctx)

	auditCfg := audit.ConfigFromEnv()
	var auditStore *audit.Store
	if auditCfg.Enabled {
		auditStore = audit.NewStore(gormDB)
		go audit.NewRetentionWorker(auditStore, auditCfg.RetentionDays, logger).Run(ctx)
	}

	srv := server.New(server.Options{
		DB:         gormDB,
		Reconciler: rec,
		RunNow:     scheduler.RunNow,
		Sync: &datasync.API{
			Specs:   specStore,
			Windows: windowStore,
			Planner: planner,
			Engine:  engine,
			Logger:  logger,
		},
		JobStore:       jobStore,
		SpecStore:      specStore,
		Gatherer:       reg,
		Cache:          cache.New(cache.ConfigFromEnv()),
		Audit:          auditStore,
		AuditConfig:    auditCfg,
		AllowedOrigins: splitList(envOrDefault("SYNC_CORS_ALLOWED_ORIGINS", "")),
		Logger:         logger,
	})
	srv.SetReady(true)

	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			glog.Fatalf("HTTP server error: %v", err)
		}
	}()

	logger.Info("sync server ready", "listen", listenAddr, "targets", targets.Kinds())

	<-ctx.Done()

	logger.Info("shutting down...")
	srv.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	// Waits for running sync jobs; their contexts are already cancelled.
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("sync server stopped")
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
