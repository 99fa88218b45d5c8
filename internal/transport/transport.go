// Package transport hands a rendered email to whatever actually delivers it.
// Any error returned by Send counts as a failed dispatch.
package transport

import (
	"context"

	"github.com/unclebandit/mail-scheduler/internal/model"
)

// Credentials identify the sending account.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

type Message struct {
	JobID   string `json:"jobId"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Receipt is what the transport reports back for a delivered message.
type Receipt struct {
	Reference  string
	PreviewURL string
}

type Transport interface {
	Send(ctx context.Context, creds Credentials, msg Message) (Receipt, error)
}

// CredentialsFor builds send credentials from a sender row.
func CredentialsFor(s *model.Sender) Credentials {
	return Credentials{
		Host:     s.SMTPHost,
		Port:     s.SMTPPort,
		Username: s.SMTPUser,
		Password: s.SMTPPass,
		From:     s.Email,
		FromName: s.Name,
	}
}

// MessageFor builds the outgoing message for a job.
func MessageFor(j *model.Job) Message {
	return Message{JobID: j.ID, To: j.Recipient, Subject: j.Subject, Body: j.Body}
}
