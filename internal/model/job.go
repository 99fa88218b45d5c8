// internal/model/job.go
package model

import "time"

// JobStatus is the lifecycle state of a scheduled email.
type JobStatus string

const (
	StatusScheduled  JobStatus = "SCHEDULED"
	StatusProcessing JobStatus = "PROCESSING"
	StatusSent       JobStatus = "SENT"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether no dispatch may move the job any further.
// FAILED is not terminal here: the queue may still retry it.
func (s JobStatus) Terminal() bool {
	return s == StatusSent || s == StatusCancelled
}

// Job is one scheduled email and its delivery state.
type Job struct {
	ID           string     `db:"id" json:"id"`
	SenderID     string     `db:"sender_id" json:"senderId"`
	Recipient    string     `db:"recipient" json:"to"`
	Subject      string     `db:"subject" json:"subject"`
	Body         string     `db:"body" json:"body"`
	DueAt        time.Time  `db:"due_at" json:"sendAt"`
	Status       JobStatus  `db:"status" json:"status"`
	Attempts     int        `db:"attempts" json:"attempts"`
	Delivery     int        `db:"delivery" json:"-"`
	HourlyLimit  *int       `db:"hourly_limit" json:"hourlyLimit,omitempty"`
	SentAt       *time.Time `db:"sent_at" json:"sentAt,omitempty"`
	FinishedAt   *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
	Error        *string    `db:"error" json:"error,omitempty"`
	TransportRef *string    `db:"transport_ref" json:"messageId,omitempty"`
	PreviewURL   *string    `db:"preview_url" json:"previewUrl,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updatedAt"`
}
