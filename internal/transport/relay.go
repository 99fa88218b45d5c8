package transport

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/mail-scheduler/internal/broker"
)

// relayEnvelope is what downstream relay consumers read off the queue.
type relayEnvelope struct {
	MessageID string    `json:"messageId"`
	From      string    `json:"from"`
	FromName  string    `json:"fromName,omitempty"`
	Message   Message   `json:"message"`
	QueuedAt  time.Time `json:"queuedAt"`
}

// Relay publishes messages to RabbitMQ for an external mailer to deliver.
// SMTP credentials never leave the process.
type Relay struct {
	Publisher *broker.Publisher
	Queue     string
}

func (r *Relay) Send(ctx context.Context, creds Credentials, msg Message) (Receipt, error) {
	id := uuid.NewString()
	env := relayEnvelope{
		MessageID: id,
		From:      creds.From,
		FromName:  creds.FromName,
		Message:   msg,
		QueuedAt:  time.Now().UTC(),
	}
	if err := r.Publisher.PublishJSON(ctx, r.Queue, id, env); err != nil {
		return Receipt{}, err
	}
	return Receipt{Reference: id}, nil
}

var _ Transport = (*Relay)(nil)
