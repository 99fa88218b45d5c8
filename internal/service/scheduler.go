package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mail-scheduler/internal/errors"
	"github.com/unclebandit/mail-scheduler/internal/metrics"
	"github.com/unclebandit/mail-scheduler/internal/model"
	"github.com/unclebandit/mail-scheduler/internal/queue"
	"github.com/unclebandit/mail-scheduler/internal/repository"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// ScheduleRequest asks for one email to go out at SendAt.
type ScheduleRequest struct {
	SenderID    string
	To          string
	Subject     string
	Body        string
	SendAt      time.Time
	HourlyLimit *int
}

// BulkRequest spaces one email per recipient Spacing apart, starting at StartAt.
type BulkRequest struct {
	SenderID    string
	Subject     string
	Body        string
	StartAt     time.Time
	Spacing     time.Duration
	HourlyLimit *int
	Recipients  []string
}

// queuePayload rides along with every queue entry for debugging dead letters.
type queuePayload struct {
	JobID    string `json:"jobId"`
	SenderID string `json:"senderId"`
}

// Scheduler creates job rows and their queue entries.
type Scheduler struct {
	Jobs    repository.JobRepositoryInterface
	Senders repository.SenderRepositoryInterface
	Queue   queue.DelayQueue
	Log     zerolog.Logger

	Now   func() time.Time
	NewID func() string
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

// ScheduleOne validates req, stores a SCHEDULED row and enqueues it.
func (s *Scheduler) ScheduleOne(ctx context.Context, req ScheduleRequest) (*model.Job, error) {
	if err := validateContent(req.SenderID, req.Subject, req.Body, req.HourlyLimit); err != nil {
		return nil, err
	}
	if !validEmail(req.To) {
		return nil, appErrors.NewValidation("to", "must be a valid email address")
	}
	if req.SendAt.IsZero() {
		return nil, appErrors.NewValidation("sendAt", "is required")
	}
	if err := s.requireSender(ctx, req.SenderID); err != nil {
		return nil, err
	}

	req.To = strings.ToLower(strings.TrimSpace(req.To))
	return s.schedule(ctx, req)
}

// ScheduleMany schedules one email per normalized recipient, the i-th at
// StartAt + i*Spacing. A failed item does not undo the ones before it; all
// created jobs are returned together with the joined item errors.
func (s *Scheduler) ScheduleMany(ctx context.Context, req BulkRequest) ([]*model.Job, error) {
	if err := validateContent(req.SenderID, req.Subject, req.Body, req.HourlyLimit); err != nil {
		return nil, err
	}
	if req.StartAt.IsZero() {
		return nil, appErrors.NewValidation("startAt", "is required")
	}
	if req.Spacing <= 0 {
		return nil, appErrors.NewValidation("delayBetweenMs", "must be greater than zero")
	}
	recipients := NormalizeRecipients(req.Recipients)
	if len(recipients) == 0 {
		return nil, appErrors.NewValidation("leads", "no valid email addresses")
	}
	if err := s.requireSender(ctx, req.SenderID); err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(recipients))
	var errs []error
	for i, to := range recipients {
		j, err := s.schedule(ctx, ScheduleRequest{
			SenderID:    req.SenderID,
			To:          to,
			Subject:     req.Subject,
			Body:        req.Body,
			SendAt:      req.StartAt.Add(time.Duration(i) * req.Spacing),
			HourlyLimit: req.HourlyLimit,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
			continue
		}
		jobs = append(jobs, j)
	}

	s.Log.Info().
		Str("sender_id", req.SenderID).
		Int("scheduled", len(jobs)).
		Int("failed", len(errs)).
		Msg("bulk schedule finished")
	return jobs, errors.Join(errs...)
}

func (s *Scheduler) schedule(ctx context.Context, req ScheduleRequest) (*model.Job, error) {
	j := &model.Job{
		ID:          s.newID(),
		SenderID:    req.SenderID,
		Recipient:   req.To,
		Subject:     req.Subject,
		Body:        req.Body,
		DueAt:       req.SendAt.UTC(),
		Status:      model.StatusScheduled,
		HourlyLimit: req.HourlyLimit,
	}
	if err := s.Jobs.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	payload, _ := json.Marshal(queuePayload{JobID: j.ID, SenderID: j.SenderID})
	delay := j.DueAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	if err := s.Queue.Enqueue(ctx, j.ID, payload, delay); err != nil {
		// the row must not stay SCHEDULED with nothing in the queue behind it
		if _, cerr := s.Jobs.Cancel(ctx, j.ID, "enqueue failed: "+err.Error()); cerr != nil {
			s.Log.Error().Err(cerr).Str("job_id", j.ID).Msg("failed to cancel unqueued job")
		}
		return nil, fmt.Errorf("enqueue job %s: %w", j.ID, err)
	}

	metrics.ScheduledTotal.Inc()
	s.Log.Debug().
		Str("job_id", j.ID).
		Str("sender_id", j.SenderID).
		Time("due_at", j.DueAt).
		Dur("delay", delay).
		Msg("job scheduled")
	return j, nil
}

// Cancel stops a job that has not started yet.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	j, err := s.Jobs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return appErrors.ErrJobNotFound
	}

	ok, err := s.Jobs.Cancel(ctx, id, "cancelled")
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.ErrNotCancellable
	}

	removed, err := s.Queue.Remove(ctx, id)
	if err != nil {
		// the row is CANCELLED; a later delivery is dropped by the dispatcher
		s.Log.Warn().Err(err).Str("job_id", id).Msg("failed to remove cancelled job from queue")
		return nil
	}
	if !removed {
		s.Log.Debug().Str("job_id", id).Msg("cancelled job was not waiting in the queue")
	}
	return nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*model.Job, error) {
	j, err := s.Jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, appErrors.ErrJobNotFound
	}
	return j, nil
}

func (s *Scheduler) ListScheduled(ctx context.Context, limit int) ([]*model.Job, error) {
	return s.Jobs.ListScheduled(ctx, clampLimit(limit))
}

func (s *Scheduler) ListFinished(ctx context.Context, limit int) ([]*model.Job, error) {
	return s.Jobs.ListFinished(ctx, clampLimit(limit))
}

func (s *Scheduler) requireSender(ctx context.Context, id string) error {
	sender, err := s.Senders.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sender == nil {
		return appErrors.ErrSenderNotFound
	}
	return nil
}

func validateContent(senderID, subject, body string, hourlyLimit *int) error {
	if strings.TrimSpace(senderID) == "" {
		return appErrors.NewValidation("senderId", "is required")
	}
	if strings.TrimSpace(subject) == "" {
		return appErrors.NewValidation("subject", "is required")
	}
	if strings.TrimSpace(body) == "" {
		return appErrors.NewValidation("body", "is required")
	}
	if hourlyLimit != nil && *hourlyLimit < 1 {
		return appErrors.NewValidation("hourlyLimit", "must be at least 1")
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
