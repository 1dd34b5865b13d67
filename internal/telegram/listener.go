package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jarvis-agent/jarvis/internal/chat"
	"github.com/jarvis-agent/jarvis/internal/events"
	"github.com/jarvis-agent/jarvis/internal/state"
)

const (
	longPollSeconds = 30
	maxBackoff      = 300 * time.Second
)

// Listener long-polls getUpdates and enqueues creator messages into
// the chat queue. Messages from any other chat are ignored.
type Listener struct {
	client   *Client
	queue    *chat.Queue
	bus      *events.Bus
	logger   *slog.Logger
	interval time.Duration

	lastUpdateID int64
}

// NewListener wires the client to the chat queue and registers the
// telegram reply sender.
func NewListener(client *Client, queue *chat.Queue, bus *events.Bus, logger *slog.Logger, pollInterval time.Duration) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	l := &Listener{
		client:   client,
		queue:    queue,
		bus:      bus,
		logger:   logger.With("component", "telegram"),
		interval: pollInterval,
	}
	queue.RegisterSender("telegram", func(ctx context.Context, content string, origin state.ChatMessage) error {
		return client.SendReply(ctx, content)
	})
	return l
}

// Run polls until ctx is cancelled. Transient API failures back off
// exponentially; the listener never gives up on its own.
func (l *Listener) Run(ctx context.Context) error {
	if !l.client.Enabled() {
		l.logger.Info("telegram listener not running, bot token or chat id missing")
		return nil
	}
	l.logger.Info("telegram listener started",
		"poll_interval", l.interval,
		"chat_id", l.client.CreatorChatID())

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, err := l.client.GetUpdates(ctx, l.nextOffset(), longPollSeconds)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("getUpdates failed", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID > l.lastUpdateID {
				l.lastUpdateID = u.UpdateID
			}
			l.handle(u)
		}

		if len(updates) == 0 {
			if !sleepCtx(ctx, l.interval) {
				return ctx.Err()
			}
		}
	}
}

func (l *Listener) nextOffset() int64 {
	if l.lastUpdateID == 0 {
		return 0
	}
	return l.lastUpdateID + 1
}

func (l *Listener) handle(u Update) {
	if u.Message == nil {
		return
	}
	if !l.client.FromCreator(u.Message) {
		l.logger.Info("ignoring message from non-creator chat", "chat_id", u.Message.Chat.ID)
		return
	}

	text := u.Message.Text
	if text == "" {
		text = u.Message.Caption
	}
	if text == "" {
		return
	}

	msg := &state.ChatMessage{
		Channel: "telegram",
		Content: "[Telegram] " + text,
		Metadata: map[string]string{
			"telegram_message_id": fmt.Sprintf("%d", u.Message.MessageID),
		},
	}
	if _, err := l.queue.Enqueue(msg); err != nil {
		l.logger.Error("enqueue failed", "error", err)
		return
	}
	l.logger.Info("telegram message enqueued", "length", len(text))
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
