package transport

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Log only logs the message. Used for local runs without a mail server.
type Log struct {
	Log zerolog.Logger
}

func (l *Log) Send(_ context.Context, creds Credentials, msg Message) (Receipt, error) {
	ref := uuid.NewString()
	l.Log.Info().
		Str("job_id", msg.JobID).
		Str("from", creds.From).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("ref", ref).
		Msg("📧 email logged instead of sent")
	return Receipt{Reference: ref}, nil
}

var _ Transport = (*Log)(nil)
