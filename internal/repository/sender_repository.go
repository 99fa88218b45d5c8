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

// SenderRepositoryInterface defines methods used by service
type SenderRepositoryInterface interface {
	Create(ctx context.Context, s *model.Sender) error
	GetByID(ctx context.Context, id string) (*model.Sender, error)
	List(ctx context.Context) ([]*model.Sender, error)
}

// SenderRepository is the concrete implementation
type SenderRepository struct {
	DB *sqlx.DB
}

const senderColumns = `id, name, email, smtp_host, smtp_port, smtp_user, smtp_pass, hourly_limit, created_at`

// Create inserts a new sender; the caller assigns the ID
func (r *SenderRepository) Create(ctx context.Context, s *model.Sender) error {
	s.CreatedAt = time.Now().UTC()
	query := r.DB.Rebind(`
        INSERT INTO senders (id, name, email, smtp_host, smtp_port, smtp_user, smtp_pass, hourly_limit, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `)
	_, err := r.DB.ExecContext(ctx, query,
		s.ID, s.Name, s.Email, s.SMTPHost, s.SMTPPort, s.SMTPUser, s.SMTPPass, nullInt(s.HourlyLimit), s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert sender %s: %w", s.ID, err)
	}
	return nil
}

// GetByID fetches a sender by ID, nil when not found
func (r *SenderRepository) GetByID(ctx context.Context, id string) (*model.Sender, error) {
	query := r.DB.Rebind(`SELECT ` + senderColumns + ` FROM senders WHERE id=?`)
	var s model.Sender
	if err := r.DB.GetContext(ctx, &s, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// List returns senders, newest first
func (r *SenderRepository) List(ctx context.Context) ([]*model.Sender, error) {
	senders := []*model.Sender{}
	query := `SELECT ` + senderColumns + ` FROM senders ORDER BY created_at DESC`
	if err := r.DB.SelectContext(ctx, &senders, query); err != nil {
		return nil, err
	}
	return senders, nil
}

var _ SenderRepositoryInterface = (*SenderRepository)(nil)
