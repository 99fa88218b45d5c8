package service_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/unclebandit/mail-scheduler/internal/model"
	"github.com/unclebandit/mail-scheduler/internal/repository"
	"github.com/unclebandit/mail-scheduler/internal/transport"
)

// MockJobRepo keeps rows in memory with the same transition rules as the SQL repository.
type MockJobRepo struct {
	mu        sync.Mutex
	jobs      map[string]*model.Job
	postpones int
}

func NewMockJobRepo() *MockJobRepo {
	return &MockJobRepo{jobs: map[string]*model.Job{}}
}

func (m *MockJobRepo) Create(_ context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return errors.New("duplicate id")
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MockJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (m *MockJobRepo) MarkProcessing(_ context.Context, id string, delivery int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Delivery >= delivery {
		return false, nil
	}
	switch j.Status {
	case model.StatusScheduled, model.StatusFailed, model.StatusProcessing:
		j.Status = model.StatusProcessing
		j.Delivery = delivery
		return true, nil
	}
	return false, nil
}

func (m *MockJobRepo) MarkSent(_ context.Context, id string, delivery int, res repository.SendResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Delivery != delivery || j.Status != model.StatusProcessing {
		return false, nil
	}
	sentAt := res.SentAt
	ref, preview := res.TransportRef, res.PreviewURL
	j.Status = model.StatusSent
	j.SentAt = &sentAt
	j.FinishedAt = &sentAt
	j.TransportRef = &ref
	j.PreviewURL = &preview
	j.Error = nil
	return true, nil
}

func (m *MockJobRepo) MarkFailed(_ context.Context, id string, delivery int, errMsg string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Delivery != delivery || j.Status != model.StatusProcessing {
		return false, nil
	}
	j.Status = model.StatusFailed
	j.Error = &errMsg
	j.Attempts++
	j.FinishedAt = &at
	return true, nil
}

func (m *MockJobRepo) Postpone(_ context.Context, id string, delivery int, dueAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	switch {
	case j.Status == model.StatusScheduled, j.Status == model.StatusFailed:
	case j.Status == model.StatusProcessing && j.Delivery < delivery:
	default:
		return false, nil
	}
	j.DueAt = dueAt
	m.postpones++
	return true, nil
}

func (m *MockJobRepo) Cancel(_ context.Context, id string, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != model.StatusScheduled {
		return false, nil
	}
	j.Status = model.StatusCancelled
	j.Error = &reason
	return true, nil
}

func (m *MockJobRepo) ListScheduled(_ context.Context, limit int) ([]*model.Job, error) {
	return m.byStatus(limit, model.StatusScheduled), nil
}

func (m *MockJobRepo) ListFinished(_ context.Context, limit int) ([]*model.Job, error) {
	return m.byStatus(limit, model.StatusSent, model.StatusFailed), nil
}

func (m *MockJobRepo) byStatus(limit int, statuses ...model.JobStatus) []*model.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*model.Job{}
	for _, j := range m.jobs {
		for _, s := range statuses {
			if j.Status == s && len(out) < limit {
				cp := *j
				out = append(out, &cp)
			}
		}
	}
	return out
}

func (m *MockJobRepo) count(status model.JobStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

type MockSenderRepo struct {
	senders map[string]*model.Sender
}

func NewMockSenderRepo(senders ...*model.Sender) *MockSenderRepo {
	m := &MockSenderRepo{senders: map[string]*model.Sender{}}
	for _, s := range senders {
		m.senders[s.ID] = s
	}
	return m
}

func (m *MockSenderRepo) Create(_ context.Context, s *model.Sender) error {
	m.senders[s.ID] = s
	return nil
}

func (m *MockSenderRepo) GetByID(_ context.Context, id string) (*model.Sender, error) {
	s, ok := m.senders[id]
	if !ok {
		return nil, nil
	}
	return s, nil
}

func (m *MockSenderRepo) List(_ context.Context) ([]*model.Sender, error) {
	out := []*model.Sender{}
	for _, s := range m.senders {
		out = append(out, s)
	}
	return out, nil
}

// MockTransport fails the first FailFirst sends, then succeeds.
type MockTransport struct {
	mu        sync.Mutex
	FailFirst int
	calls     int
	sent      []transport.Message
}

func (m *MockTransport) Send(_ context.Context, _ transport.Credentials, msg transport.Message) (transport.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.FailFirst {
		return transport.Receipt{}, errors.New("421 service not available")
	}
	m.sent = append(m.sent, msg)
	return transport.Receipt{Reference: "<ref-" + msg.JobID + ">", PreviewURL: "http://preview/" + msg.JobID}, nil
}

func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 4, 10, 20, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func intPtr(n int) *int { return &n }

func testSender() *model.Sender {
	return &model.Sender{
		ID:       "sender-1",
		Name:     "Ops",
		Email:    "ops@example.com",
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
	}
}
