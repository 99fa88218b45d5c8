// cmd/server/main.go
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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/mail-scheduler/internal/app"
	"github.com/unclebandit/mail-scheduler/internal/config"
	"github.com/unclebandit/mail-scheduler/internal/controller"
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
	log := logger.New(cfg.LogLevel, cfg.LogPretty).With().Str("process", "server").Logger()

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
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(a, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("🚀 Server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// an in-memory queue lives in this process, so the workers must too
	if cfg.QueueDriver == "memory" {
		log.Warn().Msg("⚠️ QUEUE_DRIVER=memory: dispatching in-process, scheduled jobs are lost on restart")
		g.Go(func() error { return a.Pool().Run(ctx) })
		g.Go(func() error { return a.Reaper().Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}

func newRouter(a *app.App, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	emails := &controller.EmailController{Scheduler: a.Scheduler, Log: log}
	emails.Register(r)

	senders := &handler.SenderHandler{Repo: a.Senders, Log: log}
	senders.Register(r)

	health := &handler.HealthHandler{Checks: healthChecks(a)}
	r.Get("/health", health.Health)
	r.Handle("/metrics", metrics.Handler())
	return r
}

func healthChecks(a *app.App) map[string]handler.Pinger {
	checks := map[string]handler.Pinger{"db": a.DB}
	if a.Redis != nil {
		checks["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		})
	}
	return checks
}
