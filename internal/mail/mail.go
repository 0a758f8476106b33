// Package mail composes and delivers the signup emails.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"

	"signup-site-go/internal/config"
)

// Mailer delivers a message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a plain-text email. Text uses CRLF line endings.
type Message struct {
	From    mail.Address
	To      mail.Address
	Subject string
	Text    string
}

var headerSanitizer = strings.NewReplacer("\r", "", "\n", "")

// build converts m into a MIME message. Display names and the subject are
// word-encoded and the body is sent quoted-printable.
func (m Message) build() (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(m.From.Name, m.From.Address); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.AddToFormat(m.To.Name, m.To.Address); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	msg.Subject(headerSanitizer.Replace(m.Subject))
	msg.SetBodyString(gomail.TypeTextPlain, m.Text)
	return msg, nil
}

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error
}

// SMTPMailer delivers messages through an SMTP relay.
type SMTPMailer struct {
	addr   string
	client sender
	logger *slog.Logger
}

// NewSMTPMailer creates an SMTPMailer. Authentication is used only when a
// username is configured; TLS is used when the relay offers it.
func NewSMTPMailer(cfg *config.Config, logger *slog.Logger) (*SMTPMailer, error) {
	opts := []gomail.Option{
		gomail.WithPort(cfg.Mail.Port),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15 * time.Second),
	}
	if cfg.Mail.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Mail.Username),
			gomail.WithPassword(cfg.Mail.Password),
		)
	}

	client, err := gomail.NewClient(cfg.Mail.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mail client: %w", err)
	}
	return &SMTPMailer{
		addr:   cfg.Mail.Addr(),
		client: client,
		logger: logger.With("component", "mailer"),
	}, nil
}

// Send delivers msg. Cancelling ctx aborts the SMTP session.
func (s *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}

	m, err := msg.build()
	if err != nil {
		return fmt.Errorf("compose mail: %w", err)
	}

	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		s.logger.Warn("mail delivery failed", "subject", msg.Subject, "err", err)
		return fmt.Errorf("send mail to %s: %w", s.addr, err)
	}

	s.logger.Debug("mail sent", "subject", msg.Subject)
	return nil
}
