package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/mail-scheduler/internal/app"
	"github.com/unclebandit/mail-scheduler/internal/config"
	"github.com/unclebandit/mail-scheduler/internal/db"
	"github.com/unclebandit/mail-scheduler/internal/handler"
	"github.com/unclebandit/mail-scheduler/internal/logger"
	"github.com/unclebandit/mail-scheduler/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logger.New("info", false)
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty).With().Str("process", "worker").Logger()

	if cfg.QueueDriver == "memory" {
		log.Fatal().Msg("QUEUE_DRIVER=memory runs the workers inside cmd/server; use redis for a separate worker")
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	if err := db.Migrate(a.DB); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           newMetricsRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Pool().Run(ctx) })
	g.Go(func() error { return a.Reaper().Run(ctx) })
	if cfg.ThrottleFile != "" {
		g.Go(func() error {
			return config.WatchThrottle(ctx, cfg.ThrottleFile, cfg.Throttle, log, a.ApplyThrottle)
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("metrics listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info().
		Int("concurrency", cfg.Throttle.WorkerConcurrency).
		Dur("min_delay", cfg.Throttle.MinDelayBetweenSends).
		Int("max_per_hour", cfg.Throttle.MaxPerHourPerSender).
		Msg("Worker running, waiting for due emails...")

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
	log.Info().Msg("worker stopped")
}

// newMetricsRouter serves /metrics, /health and the dead-letter listing.
func newMetricsRouter(a *app.App) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())

	checks := map[string]handler.Pinger{"db": a.DB}
	if a.Redis != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		})
	}
	r.Get("/health", (&handler.HealthHandler{Checks: checks}).Health)

	dead := &handler.DeadLetterHandler{Queue: a.Queue}
	r.Get("/dead-letters", dead.List)
	return r
}
