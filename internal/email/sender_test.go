package email

import (
	"context"
	"strings"
	"testing"

	"github.com/jarvis-agent/jarvis/internal/config"
)

func TestNewSender_CredentialFallback(t *testing.T) {
	s := NewSender(config.EmailConfig{
		Username: "jarvis@example.com",
		Password: "imap-secret",
		SMTPHost: "smtp.example.com",
	}, nil)

	if s.cfg.Username != "jarvis@example.com" {
		t.Errorf("SMTP username should fall back to IMAP username, got %q", s.cfg.Username)
	}
	if s.cfg.Password != "imap-secret" {
		t.Errorf("SMTP password should fall back to IMAP password, got %q", s.cfg.Password)
	}
	if s.cfg.Port != 587 {
		t.Errorf("default SMTP port = %d, want 587", s.cfg.Port)
	}
	if !s.cfg.StartTLS {
		t.Error("port 587 should use STARTTLS")
	}
	if s.from != "jarvis@example.com" {
		t.Errorf("From should fall back to username, got %q", s.from)
	}
}

func TestNewSender_ImplicitTLSOn465(t *testing.T) {
	s := NewSender(config.EmailConfig{
		SMTPHost:    "smtp.example.com",
		SMTPPort:    465,
		FromAddress: "Jarvis <jarvis@example.com>",
	}, nil)

	if s.cfg.StartTLS {
		t.Error("port 465 should use implicit TLS, not STARTTLS")
	}
	if s.from != "Jarvis <jarvis@example.com>" {
		t.Errorf("from = %q", s.from)
	}
}

func TestSenderEnabled(t *testing.T) {
	disabled := NewSender(config.EmailConfig{}, nil)
	if disabled.Enabled() {
		t.Error("sender without SMTP host should be disabled")
	}

	enabled := NewSender(config.EmailConfig{
		SMTPHost:    "smtp.example.com",
		FromAddress: "jarvis@example.com",
	}, nil)
	if !enabled.Enabled() {
		t.Error("sender with host and from should be enabled")
	}
}

func TestSend_ValidationBeforeDial(t *testing.T) {
	s := NewSender(config.EmailConfig{
		SMTPHost:    "smtp.example.com",
		FromAddress: "jarvis@example.com",
	}, nil)
	ctx := context.Background()

	if err := s.Send(ctx, SendOptions{Subject: "s", Body: "b"}); err == nil {
		t.Error("Send without recipients should fail")
	}
	if err := s.Send(ctx, SendOptions{To: []string{"a@b.com"}, Body: "b"}); err == nil {
		t.Error("Send without subject should fail")
	}
	if err := s.Send(ctx, SendOptions{To: []string{"a@b.com"}, Subject: "s"}); err == nil {
		t.Error("Send without body should fail")
	}
}

func TestSend_Disabled(t *testing.T) {
	s := NewSender(config.EmailConfig{}, nil)
	err := s.Send(context.Background(), SendOptions{
		To:      []string{"a@b.com"},
		Subject: "s",
		Body:    "b",
	})
	if err == nil {
		t.Fatal("disabled sender should fail")
	}
	if !strings.Contains(err.Error(), "not configured") {
		t.Errorf("error should say not configured, got %v", err)
	}
}
