package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/mail-scheduler/internal/queue"
)

// DeliveryHandler turns one delivery into a Result. *Dispatcher is the
// production implementation.
type DeliveryHandler interface {
	Dispatch(ctx context.Context, d *queue.Delivery) Result
}

// Pool runs Concurrency workers against one queue. Each worker takes one
// delivery at a time and settles it on the queue according to the result.
type Pool struct {
	Queue       queue.DelayQueue
	Dispatcher  DeliveryHandler
	Concurrency int
	Log         zerolog.Logger

	// ErrorBackoff is the pause after a failed dequeue.
	ErrorBackoff time.Duration
}

// Run blocks until ctx is cancelled or a worker fails for good.
func (p *Pool) Run(ctx context.Context) error {
	n := p.Concurrency
	if n < 1 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		worker := i
		g.Go(func() error {
			return p.work(ctx, worker)
		})
	}
	p.Log.Info().Int("workers", n).Msg("🚀 worker pool started")
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, id int) error {
	log := p.Log.With().Int("worker", id).Logger()
	for {
		d, err := p.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("dequeue failed")
			if !sleep(ctx, p.errorBackoff()) {
				return nil
			}
			continue
		}

		res := p.Dispatcher.Dispatch(ctx, d)
		if ctx.Err() != nil {
			// leave the lease to expire so the reaper hands it out again
			log.Info().Str("job_id", d.JobID).Msg("shutting down mid-dispatch")
			return nil
		}
		p.settle(ctx, log, d, res)
	}
}

// settle maps a dispatch result to the queue action.
func (p *Pool) settle(ctx context.Context, log zerolog.Logger, d *queue.Delivery, res Result) {
	log = log.With().Str("job_id", d.JobID).Int64("delivery", d.Delivery).Str("outcome", res.Outcome.String()).Logger()

	switch res.Outcome {
	case Sent, Dropped:
		err := p.Queue.Ack(ctx, d.JobID, d.Delivery)
		if errors.Is(err, queue.ErrNotLeased) {
			log.Warn().Msg("lease lost, entry belongs to a newer delivery")
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("ack failed")
		}
	case Postponed:
		dead, err := p.Queue.Postpone(ctx, d.JobID, d.Delivery, res.RetryAfter)
		if errors.Is(err, queue.ErrNotLeased) {
			log.Warn().Msg("lease lost before postponement was recorded")
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("postpone failed")
			return
		}
		if dead {
			log.Warn().Int("postponements", d.Postponements+1).Msg("job postponed too often, dead-lettered")
		}
	case Failed:
		cause := "unknown error"
		if res.Err != nil {
			cause = res.Err.Error()
		}
		out, err := p.Queue.Fail(ctx, d.JobID, d.Delivery, cause)
		if errors.Is(err, queue.ErrNotLeased) {
			log.Warn().Msg("lease lost before failure was recorded")
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("fail failed")
			return
		}
		if out.DeadLettered {
			log.Warn().Int("attempts", out.Attempts).Msg("❌ retries exhausted, dead-lettered")
			return
		}
		log.Info().Int("attempts", out.Attempts).Dur("retry_in", out.RetryIn).Msg("retry scheduled")
	}
}

func (p *Pool) errorBackoff() time.Duration {
	if p.ErrorBackoff > 0 {
		return p.ErrorBackoff
	}
	return time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
