package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jarvis-agent/jarvis/internal/email"
	"github.com/jarvis-agent/jarvis/internal/telegram"
)

// SetEmailSender adds the send_email tool over the SMTP sender.
func (r *Registry) SetEmailSender(sender *email.Sender) {
	if sender == nil {
		return
	}

	r.Register(&Tool{
		Name:        "send_email",
		Description: "Send an email via the configured SMTP account. The body is markdown and is delivered as text plus HTML.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "string",
					"description": "Recipient address, or several separated by commas",
				},
				"subject": map[string]any{
					"type":        "string",
					"description": "Subject line",
				},
				"body": map[string]any{
					"type":        "string",
					"description": "Message body (markdown)",
				},
			},
			"required": []string{"to", "subject", "body"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			recipients := recipientList(args)
			if len(recipients) == 0 {
				return "", fmt.Errorf("to is required")
			}
			subject, _ := args["subject"].(string)
			body, _ := args["body"].(string)

			err := sender.Send(ctx, email.SendOptions{
				To:      recipients,
				Subject: subject,
				Body:    body,
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("email sent to %s", strings.Join(recipients, ", ")), nil
		},
	})
}

// SetTelegramClient adds the send_telegram tool.
func (r *Registry) SetTelegramClient(client *telegram.Client) {
	if client == nil {
		return
	}

	r.Register(&Tool{
		Name:        "send_telegram",
		Description: "Send a Telegram message. Defaults to the creator's chat when no chat_id is given.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "Message text (supports Markdown)",
				},
				"chat_id": map[string]any{
					"type":        "string",
					"description": "Target chat id; omit for the creator",
				},
				"parse_mode": map[string]any{
					"type":        "string",
					"description": "Markdown, MarkdownV2 or HTML (default Markdown)",
				},
			},
			"required": []string{"message"},
		},
		Timeout: 15 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			message, _ := args["message"].(string)
			if message == "" {
				return "", fmt.Errorf("message is required")
			}
			if !client.Enabled() {
				return "", fmt.Errorf("telegram not configured")
			}

			chatID, _ := args["chat_id"].(string)
			if chatID == "" {
				chatID = client.CreatorChatID()
			}
			if chatID == "" {
				return "", fmt.Errorf("no chat_id given and no creator chat configured")
			}
			parseMode, _ := args["parse_mode"].(string)
			if parseMode == "" {
				parseMode = "Markdown"
			}

			msgID, err := client.SendMessage(ctx, chatID, message, parseMode)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("telegram message %d sent to chat %s", msgID, chatID), nil
		},
	})
}

// recipientList accepts "to" as a single address, a comma-separated
// list, or a JSON array. Models produce all three.
func recipientList(args map[string]any) []string {
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	switch v := args["to"].(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			add(part)
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	}
	return out
}
