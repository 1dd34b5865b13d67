package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

const smtpDialTimeout = 30 * time.Second

// SMTPConfig is the relay outbound mail is handed to.
type SMTPConfig struct {
	Host     string
	Port     int // 587 for submission, 465 for implicit TLS
	Username string
	Password string
	StartTLS bool // false means TLS from the first byte
}

// SendMail speaks just enough SMTP to deliver one message: dial,
// EHLO, STARTTLS or implicit TLS, AUTH when credentials are set, then
// MAIL/RCPT/DATA. Every call is its own connection.
func SendMail(ctx context.Context, cfg SMTPConfig, from string, recipients []string, msg []byte) error {
	client, err := dialSMTP(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("EHLO: %w", err)
	}
	if cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if cfg.Username != "" && cfg.Password != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish DATA: %w", err)
	}
	return client.Quit()
}

// dialSMTP opens the transport. StartTLS false means implicit TLS from
// the first byte (the port 465 convention); true means plain TCP that
// SendMail upgrades after EHLO.
func dialSMTP(ctx context.Context, cfg SMTPConfig) (*smtp.Client, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: dialTimeout(ctx)}

	var conn net.Conn
	var err error
	if cfg.StartTLS {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp handshake %s: %w", addr, err)
	}
	return client, nil
}

// dialTimeout caps the dial at smtpDialTimeout or the context
// deadline, whichever is nearer.
func dialTimeout(ctx context.Context) time.Duration {
	d := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < d {
			d = remaining
		}
	}
	return d
}

// extractAddress pulls the bare address out of "Name <addr>" forms.
func extractAddress(s string) string {
	if !strings.HasSuffix(s, ">") {
		return s
	}
	if open := strings.LastIndexByte(s, '<'); open >= 0 {
		return s[open+1 : len(s)-1]
	}
	return s
}

// uniqueRecipients dedupes the bare addresses for RCPT TO.
func uniqueRecipients(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	var out []string
	for _, a := range addrs {
		bare := extractAddress(a)
		if bare == "" || seen[bare] {
			continue
		}
		seen[bare] = true
		out = append(out, bare)
	}
	return out
}
