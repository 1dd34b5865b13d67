// Package telegram connects the agent to a Telegram bot. The client
// wraps the Bot API calls the agent needs (sendMessage, getUpdates);
// the listener long-polls for creator messages and feeds them into the
// chat queue. No webhook or public URL is required.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/jarvis-agent/jarvis/internal/config"
	"github.com/jarvis-agent/jarvis/internal/httpkit"
)

// MaxMessageLen is the Bot API limit for one text message.
const MaxMessageLen = 4096

const defaultBaseURL = "https://api.telegram.org"

// Client is a minimal Telegram Bot API client.
type Client struct {
	token   string
	chatID  string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client from config. A client without token or
// chat ID is still constructible; Enabled reports false and sends fail
// with a clear error.
func NewClient(cfg config.TelegramConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		token:   cfg.BotToken,
		chatID:  cfg.ChatID,
		baseURL: defaultBaseURL,
		http: httpkit.NewClient(
			httpkit.WithTimeout(45 * time.Second),
		),
		logger: logger.With("component", "telegram"),
	}
}

// Enabled reports whether both bot token and creator chat ID are set.
func (c *Client) Enabled() bool {
	return c.token != "" && c.chatID != ""
}

// CreatorChatID returns the configured creator chat.
func (c *Client) CreatorChatID() string { return c.chatID }

// Update is one entry from getUpdates.
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *IncomingMessage `json:"message"`
}

// IncomingMessage is the subset of a Telegram message the agent reads.
type IncomingMessage struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Caption   string `json:"caption"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From struct {
		Username string `json:"username"`
	} `json:"from"`
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// SendMessage posts one message. chatID empty means the creator chat.
// parseMode may be "" (plain), "Markdown", "MarkdownV2", or "HTML".
// Returns the Telegram message ID.
func (c *Client) SendMessage(ctx context.Context, chatID, text, parseMode string) (int64, error) {
	if c.token == "" {
		return 0, fmt.Errorf("telegram bot token not configured")
	}
	if chatID == "" {
		chatID = c.chatID
	}
	if chatID == "" {
		return 0, fmt.Errorf("no chat_id given and no creator chat configured")
	}
	if text == "" {
		return 0, fmt.Errorf("empty message")
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    truncate(text, MaxMessageLen),
	}
	if parseMode != "" {
		payload["parse_mode"] = parseMode
	}

	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", payload, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

// SendReply pushes an agent reply to the creator chat. Markdown first;
// if Telegram rejects the formatting the same text is retried plain so
// a stray underscore never swallows a reply.
func (c *Client) SendReply(ctx context.Context, text string) error {
	if !c.Enabled() {
		return fmt.Errorf("telegram not configured")
	}
	_, err := c.SendMessage(ctx, c.chatID, text, "Markdown")
	if err == nil {
		return nil
	}
	c.logger.Debug("markdown send failed, retrying plain", "error", err)
	_, err = c.SendMessage(ctx, c.chatID, text, "")
	return err
}

// GetUpdates long-polls for new updates. offset should be the last
// seen update ID plus one; zero fetches from the pending backlog.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error) {
	if c.token == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}
	payload := map[string]any{
		"timeout":         timeoutSec,
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}

	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram %s: encode: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !envelope.OK {
		code := envelope.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return fmt.Errorf("telegram %s: API error %d: %s", method, code, envelope.Description)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decode result: %w", method, err)
		}
	}
	return nil
}

// FromCreator reports whether the message comes from the configured
// creator chat. String comparison sidesteps sign and width concerns
// with group chat IDs.
func (c *Client) FromCreator(m *IncomingMessage) bool {
	if m == nil || c.chatID == "" {
		return false
	}
	return strconv.FormatInt(m.Chat.ID, 10) == c.chatID
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
