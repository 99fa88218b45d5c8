package broker

import (
	"context"

	"github.com/unclebandit/mail-scheduler/internal/queue"
)

// DeadLetterSink forwards dead-lettered jobs to a queue for operators.
type DeadLetterSink struct {
	Publisher *Publisher
	Queue     string
}

func (s *DeadLetterSink) DeadLettered(ctx context.Context, dl queue.DeadLetter) error {
	return s.Publisher.PublishJSON(ctx, s.Queue, dl.JobID, dl)
}

var _ queue.DeadLetterSink = (*DeadLetterSink)(nil)
