package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type entry struct {
	jobID         string
	payload       []byte
	dueAt         time.Time
	deliveries    int64
	attempts      int
	postponements int
	leased        bool
	leaseUntil    time.Time
	index         int
}

// dueHeap orders delayed entries by due time, earliest first.
type dueHeap []*entry

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].dueAt.Before(h[j].dueAt) }
func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h dueHeap) peek() *entry {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// MemoryQueue is a single-process DelayQueue. Entries are lost on restart,
// so it is meant for local runs and tests.
type MemoryQueue struct {
	Policy       Policy
	PollInterval time.Duration
	Sink         DeadLetterSink
	Log          zerolog.Logger
	Now          func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	delayed dueHeap
	dead    []DeadLetter
	wake    chan struct{}
}

func NewMemoryQueue(policy Policy, poll time.Duration) *MemoryQueue {
	return &MemoryQueue{
		Policy:       policy,
		PollInterval: poll,
		Log:          zerolog.Nop(),
		Now:          time.Now,
		entries:      make(map[string]*entry),
		wake:         make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string, payload []byte, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	q.mu.Lock()
	e, ok := q.entries[jobID]
	if !ok {
		e = &entry{jobID: jobID, index: -1}
		q.entries[jobID] = e
	}
	e.payload = payload
	e.leased = false
	q.schedule(e, q.Now().Add(delay))
	q.mu.Unlock()

	q.signal()
	return nil
}

// schedule places e in the delayed heap at dueAt; called with mu held.
func (q *MemoryQueue) schedule(e *entry, dueAt time.Time) {
	e.dueAt = dueAt
	if e.index >= 0 {
		heap.Fix(&q.delayed, e.index)
		return
	}
	heap.Push(&q.delayed, e)
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	ticker := time.NewTicker(pollEvery(q.PollInterval))
	defer ticker.Stop()

	for {
		if d := q.tryLease(); d != nil {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) tryLease() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.Now()
	e := q.delayed.peek()
	if e == nil || e.dueAt.After(now) {
		return nil
	}
	heap.Pop(&q.delayed)
	e.leased = true
	e.leaseUntil = now.Add(q.Policy.Lease)
	e.deliveries++

	// more entries may already be due for other workers
	if next := q.delayed.peek(); next != nil && !next.dueAt.After(now) {
		q.signal()
	}

	return &Delivery{
		JobID:         e.jobID,
		Payload:       e.payload,
		Delivery:      e.deliveries,
		Attempts:      e.attempts,
		Postponements: e.postponements,
	}
}

// holds reports whether e is leased under delivery; called with mu held.
func (e *entry) holds(delivery int64) bool {
	return e.leased && e.deliveries == delivery
}

func (q *MemoryQueue) Postpone(ctx context.Context, jobID string, delivery int64, delay time.Duration) (bool, error) {
	q.mu.Lock()
	e, ok := q.entries[jobID]
	if !ok || !e.holds(delivery) {
		q.mu.Unlock()
		return false, ErrNotLeased
	}
	e.postponements++
	if q.Policy.tooManyPostponements(e.postponements) {
		dl := q.bury(e, ReasonPostponed)
		q.mu.Unlock()
		q.notify(ctx, dl)
		return true, nil
	}
	e.leased = false
	q.schedule(e, q.Now().Add(delay))
	q.mu.Unlock()
	return false, nil
}

func (q *MemoryQueue) Ack(_ context.Context, jobID string, delivery int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[jobID]
	if !ok {
		return nil
	}
	if !e.holds(delivery) {
		return ErrNotLeased
	}
	q.drop(jobID)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID string, delivery int64, cause string) (FailOutcome, error) {
	q.mu.Lock()
	e, ok := q.entries[jobID]
	if !ok || !e.holds(delivery) {
		q.mu.Unlock()
		return FailOutcome{}, ErrNotLeased
	}
	out, dl := q.failLocked(e, cause)
	q.mu.Unlock()

	if out.DeadLettered {
		q.notify(ctx, dl)
	}
	return out, nil
}

func (q *MemoryQueue) failLocked(e *entry, cause string) (FailOutcome, DeadLetter) {
	e.attempts++
	if q.Policy.exhausted(e.attempts) {
		dl := q.bury(e, ReasonRetriesExhausted+": "+cause)
		return FailOutcome{Attempts: e.attempts, DeadLettered: true}, dl
	}
	delay := q.Policy.Backoff.Delay(e.attempts)
	e.leased = false
	q.schedule(e, q.Now().Add(delay))
	return FailOutcome{Attempts: e.attempts, RetryIn: delay}, DeadLetter{}
}

func (q *MemoryQueue) Remove(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[jobID]
	if !ok || e.leased {
		return false, nil
	}
	q.drop(jobID)
	return true, nil
}

func (q *MemoryQueue) Reclaim(ctx context.Context) (int, error) {
	q.mu.Lock()
	now := q.Now()
	var (
		n    int
		dead []DeadLetter
	)
	for _, e := range q.entries {
		if !e.leased || e.leaseUntil.After(now) {
			continue
		}
		out, dl := q.failLocked(e, ReasonLeaseExpired)
		if out.DeadLettered {
			dead = append(dead, dl)
		}
		n++
	}
	q.mu.Unlock()

	for _, dl := range dead {
		q.notify(ctx, dl)
	}
	if n > 0 {
		q.signal()
	}
	return n, nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, 0, len(q.dead))
	for i := len(q.dead) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, q.dead[i])
	}
	return out, nil
}

// Len reports the number of live entries, delayed or leased.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// drop forgets an entry wherever it is; called with mu held.
func (q *MemoryQueue) drop(jobID string) {
	e, ok := q.entries[jobID]
	if !ok {
		return
	}
	if e.index >= 0 {
		heap.Remove(&q.delayed, e.index)
	}
	delete(q.entries, jobID)
}

// bury moves e to the dead letters; called with mu held.
func (q *MemoryQueue) bury(e *entry, reason string) DeadLetter {
	dl := DeadLetter{
		JobID:         e.jobID,
		Payload:       e.payload,
		Attempts:      e.attempts,
		Postponements: e.postponements,
		Reason:        reason,
		At:            q.Now().UTC(),
	}
	q.dead = append(q.dead, dl)
	q.drop(e.jobID)
	return dl
}

func (q *MemoryQueue) notify(ctx context.Context, dl DeadLetter) {
	q.Log.Warn().Str("job_id", dl.JobID).Str("reason", dl.Reason).Msg("job dead-lettered")
	if q.Sink == nil {
		return
	}
	if err := q.Sink.DeadLettered(ctx, dl); err != nil {
		q.Log.Error().Err(err).Str("job_id", dl.JobID).Msg("dead letter sink failed")
	}
}

var _ DelayQueue = (*MemoryQueue)(nil)
