package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/chat"
	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/events"
	"github.com/jarvis-agent/jarvis/internal/state"
)

const maxBackoff = 300 * time.Second

// Listener polls the mailbox for unseen messages from trusted senders
// and enqueues them into the chat queue. Fetching a body marks the
// message \Seen, which is what keeps handled mail out of later polls;
// an in-memory UID watermark guards against double-enqueue within one
// process when the flag write lags.
type Listener struct {
	client   *Client
	sender   *Sender
	queue    *chat.Queue
	bus      *events.Bus
	logger   *slog.Logger
	folder   string
	interval time.Duration
	trusted  []string

	lastUID uint32
}

// NewListener wires the IMAP client to the chat queue and, when the
// sender is configured, registers the email reply sender so agent
// replies go back out over SMTP as threaded responses.
func NewListener(client *Client, sender *Sender, queue *chat.Queue, bus *events.Bus, logger *slog.Logger, cfg config.EmailConfig) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	folder := cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	interval := time.Duration(cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	l := &Listener{
		client:   client,
		sender:   sender,
		queue:    queue,
		bus:      bus,
		logger:   logger.With("component", "email"),
		folder:   folder,
		interval: interval,
		trusted:  cfg.TrustedSenders,
	}

	if sender != nil && sender.Enabled() {
		queue.RegisterSender("email", func(ctx context.Context, content string, origin state.ChatMessage) error {
			return sender.Send(ctx, replyOptions(content, origin))
		})
	}

	return l
}

// Run polls until ctx is cancelled. Transient IMAP failures back off
// exponentially; the listener never gives up on its own.
func (l *Listener) Run(ctx context.Context) error {
	if !l.client.Enabled() {
		l.logger.Info("email listener not running, imap_host or username missing")
		return nil
	}
	if len(l.trusted) == 0 {
		l.logger.Info("email listener not running, no trusted_senders configured")
		return nil
	}
	l.logger.Info("email listener started",
		"folder", l.folder,
		"poll_interval", l.interval,
		"trusted_senders", len(l.trusted))

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := l.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("email poll failed", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		if !sleepCtx(ctx, l.interval) {
			return ctx.Err()
		}
	}
}

// poll lists unseen messages above the watermark and handles each,
// oldest first so multi-message bursts arrive in order.
func (l *Listener) poll(ctx context.Context) error {
	envelopes, err := l.client.ListMessages(ctx, ListOptions{
		Folder:   l.folder,
		Unseen:   true,
		SinceUID: l.lastUID,
	})
	if err != nil {
		return err
	}

	// ListMessages returns newest-first.
	for i := len(envelopes) - 1; i >= 0; i-- {
		l.handle(ctx, envelopes[i])
	}
	return nil
}

func (l *Listener) handle(ctx context.Context, env Envelope) {
	if env.UID > l.lastUID {
		l.lastUID = env.UID
	}

	if !TrustedSender(l.trusted, env.From) {
		l.logger.Info("ignoring email from untrusted sender",
			"from", env.From, "subject", env.Subject, "uid", env.UID)
		return
	}

	// Fetch the body. A read failure still enqueues the envelope; the
	// agent should learn mail arrived even when the body fetch hiccups.
	body := "[body could not be retrieved]"
	var messageID string
	var references []string
	msg, err := l.client.ReadMessage(ctx, l.folder, env.UID)
	if err != nil {
		l.logger.Warn("read message failed", "uid", env.UID, "error", err)
	} else {
		messageID = msg.MessageID
		references = msg.References
		switch {
		case msg.TextBody != "":
			body = msg.TextBody
		case msg.HTMLBody != "":
			body = msg.HTMLBody
		default:
			body = "[no text content]"
		}
	}

	metadata := map[string]string{
		"email_uid":     fmt.Sprintf("%d", env.UID),
		"email_from":    env.From,
		"email_subject": env.Subject,
	}
	if messageID != "" {
		metadata["email_message_id"] = messageID
	}
	if len(references) > 0 {
		metadata["email_references"] = strings.Join(references, " ")
	}

	chatMsg := &state.ChatMessage{
		Channel:  "email",
		Content:  formatIncoming(env, body),
		Metadata: metadata,
	}
	if _, err := l.queue.Enqueue(chatMsg); err != nil {
		l.logger.Error("enqueue failed", "uid", env.UID, "error", err)
		return
	}
	l.logger.Info("email enqueued", "from", env.From, "subject", env.Subject, "uid", env.UID)
}

// formatIncoming renders a received message as chat content for the
// planner.
func formatIncoming(env Envelope, body string) string {
	return fmt.Sprintf("New email received\nFrom: %s\nDate: %s\nSubject: %s\n\nBody:\n%s",
		env.From,
		env.Date.Format("2006-01-02 15:04"),
		env.Subject,
		strings.TrimSpace(body))
}

// replyOptions builds the outbound reply from the metadata captured
// when the original message was enqueued. Missing metadata degrades
// gracefully: no recipient fails the send with a clear error rather
// than mailing the wrong person.
func replyOptions(body string, origin state.ChatMessage) SendOptions {
	opts := SendOptions{Body: body}
	meta := origin.Metadata
	if meta == nil {
		return opts
	}

	if from := meta["email_from"]; from != "" {
		opts.To = []string{from}
	}
	opts.Subject = replySubject(meta["email_subject"])

	if id := meta["email_message_id"]; id != "" {
		opts.InReplyTo = id
		if refs := meta["email_references"]; refs != "" {
			opts.References = append(strings.Fields(refs), id)
		} else {
			opts.References = []string{id}
		}
	}
	return opts
}

// replySubject prefixes "Re: " unless it is already there.
func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: your message"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// sleepCtx sleeps for d or until ctx is done. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
