package service

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mail-scheduler/internal/queue"
)

// Reaper periodically returns expired leases to the queue so jobs held by a
// crashed worker are retried.
type Reaper struct {
	Queue    queue.DelayQueue
	Schedule string
	Log      zerolog.Logger
}

// Run reclaims on Schedule until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(r.Schedule, func() { r.ReclaimOnce(ctx) }); err != nil {
		return fmt.Errorf("reaper schedule %q: %w", r.Schedule, err)
	}
	c.Start()
	r.Log.Info().Str("schedule", r.Schedule).Msg("lease reaper started")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (r *Reaper) ReclaimOnce(ctx context.Context) int {
	n, err := r.Queue.Reclaim(ctx)
	if err != nil {
		r.Log.Error().Err(err).Msg("reclaim failed")
		return n
	}
	if n > 0 {
		r.Log.Warn().Int("reclaimed", n).Msg("expired leases returned to the queue")
	}
	return n
}
