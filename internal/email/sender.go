package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jarvis-agent/jarvis/internal/config"
)

// Sender delivers agent mail over SMTP. It backs both the send_email
// tool and the email channel's reply path.
type Sender struct {
	cfg    SMTPConfig
	from   string
	logger *slog.Logger
}

// NewSender builds a sender from the email configuration. SMTP
// credentials fall back to the IMAP ones when not set separately, and
// the From address falls back to the IMAP username; the common case
// is one mailbox serving both directions.
func NewSender(cfg config.EmailConfig, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}

	smtpCfg := SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}
	if smtpCfg.Port == 0 {
		smtpCfg.Port = 587
	}
	if smtpCfg.Username == "" {
		smtpCfg.Username = cfg.Username
	}
	if smtpCfg.Password == "" {
		smtpCfg.Password = cfg.Password
	}
	smtpCfg.StartTLS = smtpCfg.Port != 465

	from := cfg.FromAddress
	if from == "" {
		from = cfg.Username
	}

	return &Sender{
		cfg:    smtpCfg,
		from:   from,
		logger: logger.With("component", "email"),
	}
}

// Enabled reports whether the sender has enough configuration to
// deliver mail.
func (s *Sender) Enabled() bool {
	return s.cfg.Host != "" && s.from != ""
}

// From returns the configured sender address.
func (s *Sender) From() string { return s.from }

// Send composes and delivers one message. The body is markdown; the
// wire format is multipart/alternative with text/plain and text/html
// parts.
func (s *Sender) Send(ctx context.Context, opts SendOptions) error {
	if !s.Enabled() {
		return fmt.Errorf("email sending not configured (smtp_host and from_address required)")
	}
	if len(opts.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	if strings.TrimSpace(opts.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(opts.Body) == "" {
		return fmt.Errorf("body is required")
	}

	msg, err := ComposeMessage(ComposeOptions{
		From:       s.from,
		To:         opts.To,
		Subject:    opts.Subject,
		Body:       opts.Body,
		InReplyTo:  opts.InReplyTo,
		References: opts.References,
	})
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}

	recipients := uniqueRecipients(opts.To)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipient addresses")
	}

	if err := SendMail(ctx, s.cfg, extractAddress(s.from), recipients, msg); err != nil {
		return err
	}

	s.logger.Info("email sent",
		"to", strings.Join(recipients, ", "),
		"subject", opts.Subject,
	)
	return nil
}
