package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mail-scheduler/internal/model"
	"github.com/unclebandit/mail-scheduler/internal/queue"
	"github.com/unclebandit/mail-scheduler/internal/ratelimit"
	"github.com/unclebandit/mail-scheduler/internal/service"
)

type poolFixture struct {
	jobs      *MockJobRepo
	transport *MockTransport
	queue     *queue.MemoryQueue
	sched     *service.Scheduler
	pool      *service.Pool
}

func newPoolFixture(policy queue.Policy) *poolFixture {
	f := &poolFixture{
		jobs:      NewMockJobRepo(),
		transport: &MockTransport{},
		queue:     queue.NewMemoryQueue(policy, time.Millisecond),
	}
	senders := NewMockSenderRepo(testSender())
	f.sched = &service.Scheduler{Jobs: f.jobs, Senders: senders, Queue: f.queue, Log: zerolog.Nop()}
	f.pool = &service.Pool{
		Queue: f.queue,
		Dispatcher: &service.Dispatcher{
			Jobs:      f.jobs,
			Senders:   senders,
			Limiter:   ratelimit.NewMemoryLimiter(),
			Transport: f.transport,
			Throttle:  service.NewThrottle(0, 100),
			Log:       zerolog.Nop(),
		},
		Concurrency: 3,
		Log:         zerolog.Nop(),
	}
	return f
}

func (f *poolFixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := f.pool.Run(ctx); err != nil {
			t.Errorf("pool: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastPolicy() queue.Policy {
	return queue.Policy{
		MaxAttempts:      3,
		Backoff:          queue.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		MaxPostponements: 5,
		Lease:            time.Minute,
	}
}

func TestPoolRoundTrip(t *testing.T) {
	f := newPoolFixture(fastPolicy())
	f.run(t)

	j, err := f.sched.ScheduleOne(context.Background(), service.ScheduleRequest{
		SenderID: "sender-1", To: "a@b.io", Subject: "s", Body: "b", SendAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "job sent", func() bool { return f.jobs.count(model.StatusSent) == 1 })
	row, _ := f.jobs.GetByID(context.Background(), j.ID)
	if row.Attempts != 0 {
		t.Errorf("expected no failed attempts, got %d", row.Attempts)
	}
	waitFor(t, "queue drained", func() bool { return f.queue.Len() == 0 })
}

func TestPoolRetriesTransportFailures(t *testing.T) {
	f := newPoolFixture(fastPolicy())
	f.transport.FailFirst = 2
	f.run(t)

	j, err := f.sched.ScheduleOne(context.Background(), service.ScheduleRequest{
		SenderID: "sender-1", To: "a@b.io", Subject: "s", Body: "b", SendAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "job sent after retries", func() bool { return f.jobs.count(model.StatusSent) == 1 })
	row, _ := f.jobs.GetByID(context.Background(), j.ID)
	if row.Attempts != 2 {
		t.Errorf("expected 2 failed attempts, got %d", row.Attempts)
	}
	if f.transport.Calls() != 3 {
		t.Errorf("expected 3 transport calls, got %d", f.transport.Calls())
	}
}

func TestPoolDeadLettersAfterMaxAttempts(t *testing.T) {
	f := newPoolFixture(fastPolicy())
	f.transport.FailFirst = 100
	f.run(t)

	j, _ := f.sched.ScheduleOne(context.Background(), service.ScheduleRequest{
		SenderID: "sender-1", To: "a@b.io", Subject: "s", Body: "b", SendAt: time.Now(),
	})

	waitFor(t, "dead letter", func() bool {
		dead, _ := f.queue.DeadLetters(context.Background(), 0)
		return len(dead) == 1
	})
	row, _ := f.jobs.GetByID(context.Background(), j.ID)
	if row.Status != model.StatusFailed || row.Attempts != 3 {
		t.Errorf("expected FAILED after 3 attempts, got %+v", row)
	}
}

func TestReaperReclaimsExpiredLeases(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Policy{MaxAttempts: 3, Backoff: queue.Backoff{Initial: time.Second}, Lease: time.Minute}, time.Millisecond)
	c := newClock()
	q.Now = c.Now
	ctx := context.Background()

	q.Enqueue(ctx, "j1", nil, 0)
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}

	r := &service.Reaper{Queue: q, Schedule: "@every 1s", Log: zerolog.Nop()}
	if n := r.ReclaimOnce(ctx); n != 0 {
		t.Fatalf("lease still valid, reclaimed %d", n)
	}
	c.Advance(2 * time.Minute)
	if n := r.ReclaimOnce(ctx); n != 1 {
		t.Fatalf("expected 1 reclaimed lease, got %d", n)
	}
}

// gatedHandler holds a delivery until the gate opens.
type gatedHandler struct {
	next    service.DeliveryHandler
	started chan *queue.Delivery
	gate    chan struct{}
}

func (h *gatedHandler) Dispatch(ctx context.Context, d *queue.Delivery) service.Result {
	h.started <- d
	<-h.gate
	return h.next.Dispatch(ctx, d)
}

// ackRecorder reports every Ack result.
type ackRecorder struct {
	*queue.MemoryQueue
	acks chan error
}

func (q *ackRecorder) Ack(ctx context.Context, jobID string, delivery int64) error {
	err := q.MemoryQueue.Ack(ctx, jobID, delivery)
	q.acks <- err
	return err
}

func TestPoolStaleWorkerKeepsNewerLease(t *testing.T) {
	c := newClock()
	mq := queue.NewMemoryQueue(queue.Policy{
		MaxAttempts: 5,
		Backoff:     queue.Backoff{Initial: 2 * time.Second, Max: time.Minute},
		Lease:       time.Minute,
	}, time.Millisecond)
	mq.Now = c.Now
	q := &ackRecorder{MemoryQueue: mq, acks: make(chan error, 4)}

	jobs := NewMockJobRepo()
	transport := &MockTransport{}
	limiter := ratelimit.NewMemoryLimiter()
	limiter.Now = c.Now
	h := &gatedHandler{
		next: &service.Dispatcher{
			Jobs:      jobs,
			Senders:   NewMockSenderRepo(testSender()),
			Limiter:   limiter,
			Transport: transport,
			Throttle:  service.NewThrottle(0, 100),
			Log:       zerolog.Nop(),
			Now:       c.Now,
		},
		started: make(chan *queue.Delivery, 1),
		gate:    make(chan struct{}),
	}
	ctx := context.Background()
	jobs.Create(ctx, &model.Job{
		ID: "j1", SenderID: "sender-1", Recipient: "a@b.io", Subject: "s", Body: "b",
		DueAt: c.Now(), Status: model.StatusScheduled,
	})
	q.Enqueue(ctx, "j1", nil, 0)

	f := &poolFixture{pool: &service.Pool{Queue: q, Dispatcher: h, Concurrency: 1, Log: zerolog.Nop()}}
	f.run(t)

	var stale *queue.Delivery
	select {
	case stale = <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatal("pool never picked up the job")
	}

	// the stale worker's lease runs out and another worker takes the job
	c.Advance(2 * time.Minute)
	if n, _ := mq.Reclaim(ctx); n != 1 {
		t.Fatalf("expected one reclaimed lease, got %d", n)
	}
	c.Advance(2 * time.Second)
	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	current, err := mq.Dequeue(dctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := jobs.MarkProcessing(ctx, "j1", int(current.Delivery)); !ok {
		t.Fatal("newer delivery should own the row")
	}

	close(h.gate)
	select {
	case err := <-q.acks:
		if !errors.Is(err, queue.ErrNotLeased) {
			t.Fatalf("stale ack should be rejected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stale delivery was never settled")
	}
	if transport.Calls() != 0 {
		t.Errorf("stale delivery must not send, got %d calls", transport.Calls())
	}
	if stale.Delivery >= current.Delivery {
		t.Fatalf("expected %d < %d", stale.Delivery, current.Delivery)
	}

	// the current holder fails and still gets its retry
	jobs.MarkFailed(ctx, "j1", int(current.Delivery), "smtp down", c.Now())
	out, err := q.Fail(ctx, "j1", current.Delivery, "smtp down")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if out.DeadLettered || out.Attempts != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if mq.Len() != 1 {
		t.Errorf("expected the retry to stay queued, have %d entries", mq.Len())
	}
}

func TestReaperRejectsBadSchedule(t *testing.T) {
	r := &service.Reaper{Queue: queue.NewMemoryQueue(queue.DefaultPolicy(), 0), Schedule: "every now and then", Log: zerolog.Nop()}
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestThrottleApply(t *testing.T) {
	th := service.NewThrottle(time.Hour, 10)
	ctx := context.Background()
	if err := th.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	th.Apply(0, 25)
	if th.HourlyLimit() != 25 {
		t.Errorf("expected hourly limit 25, got %d", th.HourlyLimit())
	}
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := th.Wait(short); err != nil {
		t.Errorf("unlimited pacer should not block, got %v", err)
	}
}
