package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	mail "github.com/wneessen/go-mail"
)

// SMTP sends through the sender's own SMTP account. A new connection is made
// per message since every sender brings different credentials.
type SMTP struct {
	Timeout time.Duration
	// PreviewBase, when set, is joined with the message id to form a preview
	// link (a local capture server such as Mailpit).
	PreviewBase string
}

func (s *SMTP) Send(ctx context.Context, creds Credentials, msg Message) (Receipt, error) {
	m, ref, err := s.build(creds, msg)
	if err != nil {
		return Receipt{}, err
	}

	opts := []mail.Option{
		mail.WithPort(creds.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if s.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(s.Timeout))
	}
	if creds.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(creds.Username),
			mail.WithPassword(creds.Password),
		)
	}

	c, err := mail.NewClient(creds.Host, opts...)
	if err != nil {
		return Receipt{}, fmt.Errorf("smtp client for %s: %w", creds.Host, err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return Receipt{}, fmt.Errorf("smtp send via %s:%d: %w", creds.Host, creds.Port, err)
	}

	return Receipt{Reference: "<" + ref + ">", PreviewURL: s.preview(ref)}, nil
}

// build assembles the MIME message and returns it with its Message-ID.
func (s *SMTP) build(creds Credentials, msg Message) (*mail.Msg, string, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(creds.FromName, creds.From); err != nil {
		return nil, "", fmt.Errorf("invalid from address %q: %w", creds.From, err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, "", fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	m.SetDate()

	ref := uuid.NewString() + "@" + domainOf(creds.From)
	m.SetMessageIDWithValue(ref)
	return m, ref, nil
}

func (s *SMTP) preview(ref string) string {
	if s.PreviewBase == "" {
		return ""
	}
	return strings.TrimRight(s.PreviewBase, "/") + "/" + url.PathEscape(ref)
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}

var _ Transport = (*SMTP)(nil)
