package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"

	"scribe/internal/audit"
	audithandler "scribe/internal/audit/handler"
	"scribe/internal/audit/ingest"
	"scribe/internal/audit/query"
	auditpg "scribe/internal/audit/store/postgres"
	"scribe/internal/platform/config"
	"scribe/internal/platform/httpserver"
	"scribe/internal/platform/logger"
	"scribe/internal/platform/metrics"
	"scribe/internal/platform/middleware"
	"scribe/pkg/eventbus"
	"scribe/pkg/repo"
)

// main wires high-level dependencies and keeps the lifecycle small. Business
// logic lives in the internal packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logger.New("info").Error("configuration failed", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	m := metrics.New()
	store := auditpg.New(db)
	publisher := eventbus.NewPublisher(cfg.Broker, log)

	auditRepo := repo.New[*audit.Entity](
		repo.NewSQLBackend[*audit.Entity](db, audit.EntityMapper{}), log,
		repo.WithRetryCounter[*audit.Entity](m.CommitRetries))
	svc := query.New(auditRepo, store, publisher, log, m)

	validator := middleware.NewValidator(cfg.JWTSigningKey)
	router := chi.NewRouter()
	audithandler.New(svc, log, validator).Register(router)
	router.Handle("/metrics", promhttp.Handler())

	dispatcher := eventbus.NewDispatcher(cfg.Broker, log)
	dispatcher.Register(audit.QueueName, ingest.New(store, log, m))

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting scribe", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		dispatcher.Close()
		return httpserver.Shutdown(srv, 10*time.Second)
	})

	if err := g.Wait(); err != nil {
		log.Error("scribe exited", "error", err)
		os.Exit(1)
	}
	log.Info("scribe stopped")
}
