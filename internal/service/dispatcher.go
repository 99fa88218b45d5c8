package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mail-scheduler/internal/errors"
	"github.com/unclebandit/mail-scheduler/internal/metrics"
	"github.com/unclebandit/mail-scheduler/internal/model"
	"github.com/unclebandit/mail-scheduler/internal/queue"
	"github.com/unclebandit/mail-scheduler/internal/ratelimit"
	"github.com/unclebandit/mail-scheduler/internal/repository"
	"github.com/unclebandit/mail-scheduler/internal/transport"
)

type Outcome int

const (
	// Sent: the transport accepted the email.
	Sent Outcome = iota
	// Failed: the send (or a lookup before it) failed and may be retried.
	Failed
	// Postponed: the sender is over its hourly limit.
	Postponed
	// Dropped: there is nothing left to do for this delivery.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	case Postponed:
		return "postponed"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Result tells the pool what to do with the queue entry.
type Result struct {
	Outcome    Outcome
	RetryAfter time.Duration
	Err        error
}

// Dispatcher runs one delivery through admission, the store's state machine
// and the transport.
type Dispatcher struct {
	Jobs      repository.JobRepositoryInterface
	Senders   repository.SenderRepositoryInterface
	Limiter   ratelimit.Limiter
	Transport transport.Transport
	Throttle  *Throttle
	Log       zerolog.Logger
	Now       func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) Dispatch(ctx context.Context, del *queue.Delivery) Result {
	res := d.dispatch(ctx, del)
	metrics.DispatchTotal.WithLabelValues(res.Outcome.String()).Inc()
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, del *queue.Delivery) Result {
	log := d.Log.With().Str("job_id", del.JobID).Int64("delivery", del.Delivery).Logger()
	delivery := int(del.Delivery)

	job, err := d.Jobs.GetByID(ctx, del.JobID)
	if err != nil {
		return Result{Outcome: Failed, Err: fmt.Errorf("load job: %w", err)}
	}
	if job == nil {
		log.Warn().Msg("job row missing, dropping delivery")
		return Result{Outcome: Dropped}
	}
	if job.Status.Terminal() {
		log.Debug().Str("status", string(job.Status)).Msg("job already finished, dropping delivery")
		return Result{Outcome: Dropped}
	}
	if job.Delivery >= delivery {
		log.Warn().Int("owner", job.Delivery).Msg("job owned by a newer delivery, dropping")
		return Result{Outcome: Dropped}
	}
	log = log.With().Str("sender_id", job.SenderID).Logger()

	sender, err := d.Senders.GetByID(ctx, job.SenderID)
	if err != nil {
		return Result{Outcome: Failed, Err: fmt.Errorf("load sender: %w", err)}
	}
	if sender == nil {
		log.Error().Msg("sender missing")
		return Result{Outcome: Failed, Err: appErrors.ErrSenderNotFound}
	}

	limit := d.hourlyLimit(job, sender)
	decision, err := d.Limiter.Admit(ctx, sender.ID, limit)
	if err != nil {
		return Result{Outcome: Failed, Err: fmt.Errorf("rate limit: %w", err)}
	}
	if !decision.Allowed {
		return d.postpone(ctx, log, job, delivery, decision, limit)
	}

	ok, err := d.Jobs.MarkProcessing(ctx, job.ID, delivery)
	if err != nil {
		return Result{Outcome: Failed, Err: fmt.Errorf("mark processing: %w", err)}
	}
	if !ok {
		log.Warn().Msg("job changed under us, dropping delivery")
		return Result{Outcome: Dropped}
	}

	if err := d.Throttle.Wait(ctx); err != nil {
		// shutting down: the lease runs out and the reaper hands the job out again
		return Result{Outcome: Failed, Err: err}
	}

	start := time.Now()
	receipt, sendErr := d.Transport.Send(ctx, transport.CredentialsFor(sender), transport.MessageFor(job))
	metrics.TransportDuration.Observe(time.Since(start).Seconds())

	if sendErr != nil {
		terr := appErrors.NewTransport(sendErr)
		if ok, err := d.Jobs.MarkFailed(ctx, job.ID, delivery, terr.Error(), d.now()); err != nil {
			log.Error().Err(err).Msg("failed to record transport failure")
		} else if !ok {
			log.Warn().Msg("failure not recorded, job owned by a newer delivery")
		}
		log.Warn().Err(sendErr).Int("attempt", job.Attempts+1).Msg("send failed")
		return Result{Outcome: Failed, Err: terr}
	}

	ok, err = d.Jobs.MarkSent(ctx, job.ID, delivery, repository.SendResult{
		TransportRef: receipt.Reference,
		PreviewURL:   receipt.PreviewURL,
		SentAt:       d.now(),
	})
	if err != nil {
		// the email is out; retrying would send it twice
		log.Error().Err(err).Str("ref", receipt.Reference).Msg("sent but failed to record")
	} else if !ok {
		log.Warn().Str("ref", receipt.Reference).Msg("sent but job owned by a newer delivery")
	}
	log.Info().Str("to", job.Recipient).Str("ref", receipt.Reference).Msg("✅ email sent")
	return Result{Outcome: Sent}
}

// postpone pushes the job to the next hour bucket. due_at only moves forward.
func (d *Dispatcher) postpone(ctx context.Context, log zerolog.Logger, job *model.Job, delivery int, decision ratelimit.Decision, limit int) Result {
	now := d.now()
	due := now.Add(decision.RetryAfter)
	if !due.After(job.DueAt) {
		due = job.DueAt.Add(time.Second)
	}

	if ok, err := d.Jobs.Postpone(ctx, job.ID, delivery, due); err != nil {
		log.Error().Err(err).Msg("failed to move due time")
	} else if !ok {
		log.Debug().Str("status", string(job.Status)).Msg("due time not moved")
	}

	log.Info().
		Int64("count", decision.Count).
		Int("limit", limit).
		Time("due_at", due).
		Msg("hourly limit reached, postponing")
	return Result{Outcome: Postponed, RetryAfter: due.Sub(now)}
}

// hourlyLimit resolves job override, then sender override, then the default.
func (d *Dispatcher) hourlyLimit(job *model.Job, sender *model.Sender) int {
	if job.HourlyLimit != nil && *job.HourlyLimit > 0 {
		return *job.HourlyLimit
	}
	if sender.HourlyLimit != nil && *sender.HourlyLimit > 0 {
		return *sender.HourlyLimit
	}
	return d.Throttle.HourlyLimit()
}
