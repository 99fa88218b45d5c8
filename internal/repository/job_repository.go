package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/mail-scheduler/internal/model"
)

type JobRepositoryInterface interface {
	Create(ctx context.Context, j *model.Job) error
	GetByID(ctx context.Context, id string) (*model.Job, error)

	// State transitions. Each reports whether the row was updated; false means
	// the row was missing or not in a state the transition is allowed from.
	MarkProcessing(ctx context.Context, id string, delivery int) (bool, error)
	MarkSent(ctx context.Context, id string, delivery int, result SendResult) (bool, error)
	MarkFailed(ctx context.Context, id string, delivery int, errMsg string, at time.Time) (bool, error)
	Postpone(ctx context.Context, id string, delivery int, dueAt time.Time) (bool, error)
	Cancel(ctx context.Context, id string, reason string) (bool, error)

	// Status reporting
	ListScheduled(ctx context.Context, limit int) ([]*model.Job, error)
	ListFinished(ctx context.Context, limit int) ([]*model.Job, error)
}

// SendResult is what a successful send leaves on the row.
type SendResult struct {
	TransportRef string
	PreviewURL   string
	SentAt       time.Time
}

type JobRepository struct {
	DB *sqlx.DB
}

const jobColumns = `id, sender_id, recipient, subject, body, due_at, status, attempts, delivery,
    hourly_limit, sent_at, finished_at, error, transport_ref, preview_url, created_at, updated_at`

// ====================== Create / read ======================

func (r *JobRepository) Create(ctx context.Context, j *model.Job) error {
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	j.DueAt = j.DueAt.UTC()
	if j.Status == "" {
		j.Status = model.StatusScheduled
	}

	query := r.DB.Rebind(`
        INSERT INTO scheduled_emails
        (id, sender_id, recipient, subject, body, due_at, status, attempts, delivery, hourly_limit, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `)
	_, err := r.DB.ExecContext(ctx, query,
		j.ID, j.SenderID, j.Recipient, j.Subject, j.Body, j.DueAt,
		string(j.Status), j.Attempts, j.Delivery, nullInt(j.HourlyLimit), j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

// GetByID returns nil, nil when the job does not exist.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*model.Job, error) {
	query := r.DB.Rebind(`SELECT ` + jobColumns + ` FROM scheduled_emails WHERE id=?`)
	var j model.Job
	if err := r.DB.GetContext(ctx, &j, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &j, nil
}

// ====================== Transitions ======================

// MarkProcessing is the gate in front of the transport. delivery must be newer
// than whatever delivery last owned the row, so a redelivered PROCESSING job
// (its previous worker lost the lease) can be taken over, but a stale one cannot.
func (r *JobRepository) MarkProcessing(ctx context.Context, id string, delivery int) (bool, error) {
	query := r.DB.Rebind(`
        UPDATE scheduled_emails
        SET status=?, delivery=?, updated_at=?
        WHERE id=? AND delivery < ? AND status IN (?, ?, ?)
    `)
	res, err := r.DB.ExecContext(ctx, query,
		string(model.StatusProcessing), delivery, time.Now().UTC(),
		id, delivery, string(model.StatusScheduled), string(model.StatusFailed), string(model.StatusProcessing),
	)
	return affected(res, err)
}

func (r *JobRepository) MarkSent(ctx context.Context, id string, delivery int, result SendResult) (bool, error) {
	sentAt := result.SentAt.UTC()
	query := r.DB.Rebind(`
        UPDATE scheduled_emails
        SET status=?, sent_at=?, finished_at=?, transport_ref=?, preview_url=?, error=NULL, updated_at=?
        WHERE id=? AND delivery=? AND status=?
    `)
	res, err := r.DB.ExecContext(ctx, query,
		string(model.StatusSent), sentAt, sentAt, nullString(result.TransportRef), nullString(result.PreviewURL), sentAt,
		id, delivery, string(model.StatusProcessing),
	)
	return affected(res, err)
}

func (r *JobRepository) MarkFailed(ctx context.Context, id string, delivery int, errMsg string, at time.Time) (bool, error) {
	at = at.UTC()
	query := r.DB.Rebind(`
        UPDATE scheduled_emails
        SET status=?, error=?, attempts=attempts+1, finished_at=?, updated_at=?
        WHERE id=? AND delivery=? AND status=?
    `)
	res, err := r.DB.ExecContext(ctx, query,
		string(model.StatusFailed), errMsg, at, at,
		id, delivery, string(model.StatusProcessing),
	)
	return affected(res, err)
}

// Postpone moves due_at forward. Callers pass a dueAt later than the current one.
// A row left PROCESSING by an expired lease is also moved, but only by a newer
// delivery than the one that owns it.
func (r *JobRepository) Postpone(ctx context.Context, id string, delivery int, dueAt time.Time) (bool, error) {
	query := r.DB.Rebind(`
        UPDATE scheduled_emails
        SET due_at=?, updated_at=?
        WHERE id=? AND (status IN (?, ?) OR (status=? AND delivery<?))
    `)
	res, err := r.DB.ExecContext(ctx, query,
		dueAt.UTC(), time.Now().UTC(),
		id, string(model.StatusScheduled), string(model.StatusFailed),
		string(model.StatusProcessing), delivery,
	)
	return affected(res, err)
}

// Cancel only applies to jobs that are still SCHEDULED.
func (r *JobRepository) Cancel(ctx context.Context, id string, reason string) (bool, error) {
	now := time.Now().UTC()
	query := r.DB.Rebind(`
        UPDATE scheduled_emails
        SET status=?, error=?, finished_at=?, updated_at=?
        WHERE id=? AND status=?
    `)
	res, err := r.DB.ExecContext(ctx, query,
		string(model.StatusCancelled), nullString(reason), now, now,
		id, string(model.StatusScheduled),
	)
	return affected(res, err)
}

// ====================== Status reporting ======================

func (r *JobRepository) ListScheduled(ctx context.Context, limit int) ([]*model.Job, error) {
	query := r.DB.Rebind(`SELECT ` + jobColumns + ` FROM scheduled_emails
        WHERE status=? ORDER BY due_at ASC LIMIT ?`)
	jobs := []*model.Job{}
	if err := r.DB.SelectContext(ctx, &jobs, query, string(model.StatusScheduled), limit); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *JobRepository) ListFinished(ctx context.Context, limit int) ([]*model.Job, error) {
	query := r.DB.Rebind(`SELECT ` + jobColumns + ` FROM scheduled_emails
        WHERE status IN (?, ?) ORDER BY finished_at DESC LIMIT ?`)
	jobs := []*model.Job{}
	if err := r.DB.SelectContext(ctx, &jobs, query, string(model.StatusSent), string(model.StatusFailed), limit); err != nil {
		return nil, err
	}
	return jobs, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

var _ JobRepositoryInterface = (*JobRepository)(nil)
