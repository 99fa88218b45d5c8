// internal/model/sender.go
package model

import "time"

// Sender is an SMTP identity jobs are sent from.
type Sender struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Email       string    `db:"email" json:"email"`
	SMTPHost    string    `db:"smtp_host" json:"smtpHost"`
	SMTPPort    int       `db:"smtp_port" json:"smtpPort"`
	SMTPUser    string    `db:"smtp_user" json:"smtpUser"`
	SMTPPass    string    `db:"smtp_pass" json:"-"`
	HourlyLimit *int      `db:"hourly_limit" json:"hourlyLimit,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}
