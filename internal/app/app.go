// Package app wires configuration into the components both processes share.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mail-scheduler/internal/broker"
	"github.com/unclebandit/mail-scheduler/internal/config"
	"github.com/unclebandit/mail-scheduler/internal/db"
	"github.com/unclebandit/mail-scheduler/internal/metrics"
	"github.com/unclebandit/mail-scheduler/internal/queue"
	"github.com/unclebandit/mail-scheduler/internal/ratelimit"
	"github.com/unclebandit/mail-scheduler/internal/repository"
	"github.com/unclebandit/mail-scheduler/internal/service"
	"github.com/unclebandit/mail-scheduler/internal/transport"
)

// App holds the long-lived connections and the services built on them.
type App struct {
	Config config.Config
	Log    zerolog.Logger

	DB        *sqlx.DB
	Redis     goredis.UniversalClient
	Publisher *broker.Publisher

	Jobs    *repository.JobRepository
	Senders *repository.SenderRepository
	Queue   queue.DelayQueue

	Scheduler  *service.Scheduler
	Throttle   *service.Throttle
	Dispatcher *service.Dispatcher
}

// New opens the database, Redis and (when needed) RabbitMQ and builds the services.
func New(cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	conn, err := db.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.Jobs = &repository.JobRepository{DB: conn}
	a.Senders = &repository.SenderRepository{DB: conn}

	if cfg.QueueDriver == "redis" {
		a.Redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := a.Redis.Ping(context.Background()).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
	}

	if cfg.AMQPURL != "" {
		p, err := broker.Dial(cfg.AMQPURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Publisher = p
	}

	a.Queue = a.newQueue()
	a.Throttle = service.NewThrottle(cfg.Throttle.MinDelayBetweenSends, cfg.Throttle.MaxPerHourPerSender)

	a.Scheduler = &service.Scheduler{
		Jobs:    a.Jobs,
		Senders: a.Senders,
		Queue:   a.Queue,
		Log:     log.With().Str("component", "scheduler").Logger(),
	}
	a.Dispatcher = &service.Dispatcher{
		Jobs:      a.Jobs,
		Senders:   a.Senders,
		Limiter:   a.newLimiter(),
		Transport: a.newTransport(),
		Throttle:  a.Throttle,
		Log:       log.With().Str("component", "dispatcher").Logger(),
	}
	return a, nil
}

func (a *App) newQueue() queue.DelayQueue {
	cfg := a.Config
	policy := queue.Policy{
		MaxAttempts:      cfg.Retry.MaxAttempts,
		Backoff:          queue.Backoff{Initial: cfg.Retry.BackoffInitial, Max: cfg.Retry.BackoffMax},
		MaxPostponements: cfg.Retry.MaxPostponements,
		Lease:            cfg.Retry.LeaseTimeout,
	}

	sink := &metrics.CountingSink{}
	if a.Publisher != nil && cfg.DeadLetterQueue != "" {
		sink.Next = &broker.DeadLetterSink{Publisher: a.Publisher, Queue: cfg.DeadLetterQueue}
	}
	qlog := a.Log.With().Str("component", "queue").Logger()

	if a.Redis != nil {
		q := queue.NewRedisQueue(a.Redis, cfg.QueueName, policy, cfg.PollInterval)
		q.Sink = sink
		q.Log = qlog
		return q
	}
	q := queue.NewMemoryQueue(policy, cfg.PollInterval)
	q.Sink = sink
	q.Log = qlog
	return q
}

func (a *App) newLimiter() ratelimit.Limiter {
	if a.Redis != nil {
		return ratelimit.NewRedisLimiter(a.Redis)
	}
	return ratelimit.NewMemoryLimiter()
}

func (a *App) newTransport() transport.Transport {
	switch a.Config.Transport {
	case "amqp":
		return &transport.Relay{Publisher: a.Publisher, Queue: a.Config.RelayQueue}
	case "log":
		return &transport.Log{Log: a.Log.With().Str("component", "transport").Logger()}
	}
	return &transport.SMTP{Timeout: a.Config.SMTPTimeout, PreviewBase: a.Config.SMTPPreviewBase}
}

// Pool builds the worker pool over the shared queue.
func (a *App) Pool() *service.Pool {
	return &service.Pool{
		Queue:       a.Queue,
		Dispatcher:  a.Dispatcher,
		Concurrency: a.Config.Throttle.WorkerConcurrency,
		Log:         a.Log.With().Str("component", "pool").Logger(),
	}
}

func (a *App) Reaper() *service.Reaper {
	return &service.Reaper{
		Queue:    a.Queue,
		Schedule: a.Config.ReclaimSchedule,
		Log:      a.Log.With().Str("component", "reaper").Logger(),
	}
}

// ApplyThrottle is the hot-reload hook for the throttle file.
func (a *App) ApplyThrottle(t config.Throttle) {
	a.Throttle.Apply(t.MinDelayBetweenSends, t.MaxPerHourPerSender)
	if t.WorkerConcurrency != a.Config.Throttle.WorkerConcurrency {
		a.Log.Warn().
			Int("configured", a.Config.Throttle.WorkerConcurrency).
			Int("requested", t.WorkerConcurrency).
			Msg("worker concurrency changes need a restart")
	}
}

func (a *App) Close() {
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
