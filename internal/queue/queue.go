// Package queue holds job references ordered by due time and hands due
// entries to workers one lease at a time. Every lease carries a delivery
// number that grows for each hand-out of the same job, so a worker whose
// lease was reclaimed can be fenced off by the job store.
package queue

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotLeased is returned when an operation needs a leased entry and the
// job is not currently held by a worker, or is held under a newer delivery.
var ErrNotLeased = errors.New("queue: entry is not leased")

// DelayQueue is the contract the scheduler and the worker pool share.
//
// Postpone, Ack and Fail settle one lease: they only apply while the entry is
// leased under the given delivery number and return ErrNotLeased otherwise.
// Ack of an entry that no longer exists is a no-op.
type DelayQueue interface {
	Enqueue(ctx context.Context, jobID string, payload []byte, delay time.Duration) error
	Dequeue(ctx context.Context) (*Delivery, error)
	Postpone(ctx context.Context, jobID string, delivery int64, delay time.Duration) (deadLettered bool, err error)
	Ack(ctx context.Context, jobID string, delivery int64) error
	Fail(ctx context.Context, jobID string, delivery int64, cause string) (FailOutcome, error)
	Remove(ctx context.Context, jobID string) (bool, error)
	Reclaim(ctx context.Context) (int, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// Delivery is one lease of a due entry.
type Delivery struct {
	JobID         string
	Payload       []byte
	Delivery      int64
	Attempts      int
	Postponements int
}

// FailOutcome tells the caller what happened to a failed entry.
type FailOutcome struct {
	Attempts     int
	RetryIn      time.Duration
	DeadLettered bool
}

// DeadLetter is an entry that exhausted its retries or postponements.
type DeadLetter struct {
	JobID         string    `json:"jobId"`
	Payload       []byte    `json:"payload,omitempty"`
	Attempts      int       `json:"attempts"`
	Postponements int       `json:"postponements"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// DeadLetterSink is told about every dead-lettered entry after it is recorded.
type DeadLetterSink interface {
	DeadLettered(ctx context.Context, dl DeadLetter) error
}

// Backoff is an exponential retry delay: Initial * 2^(attempt-1), capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry attempt n (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	if b.Max > 0 && (d > b.Max || d < 0) {
		return b.Max
	}
	return d
}

// Policy bounds retries and postponements.
type Policy struct {
	MaxAttempts      int
	Backoff          Backoff
	MaxPostponements int
	Lease            time.Duration
}

// DefaultPolicy mirrors the worker defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      5,
		Backoff:          Backoff{Initial: 2 * time.Second, Max: 10 * time.Minute},
		MaxPostponements: 72,
		Lease:            5 * time.Minute,
	}
}

func (p Policy) exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

func (p Policy) tooManyPostponements(n int) bool {
	return p.MaxPostponements > 0 && n > p.MaxPostponements
}

const (
	ReasonRetriesExhausted = "retries exhausted"
	ReasonPostponed        = "postponement ceiling reached"
	ReasonLeaseExpired     = "lease expired"
)

func pollEvery(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return d
}
