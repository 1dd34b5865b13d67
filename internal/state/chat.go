package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Chat message roles. Creator messages arrive from any listener
// channel; jarvis messages are agent replies.
const (
	RoleCreator = "creator"
	RoleJarvis  = "jarvis"
)

// ChatMessage is one entry in the durable chat log.
type ChatMessage struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Channel   string            `json:"channel"` // api, mqtt, email, telegram
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// AppendChat persists a chat message. An empty ID gets a UUIDv7; the
// chronological-sort property of v7 IDs makes the ID double as the
// drain cursor.
func (s *Store) AppendChat(m *ChatMessage) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Channel == "" {
		m.Channel = "api"
	}

	var metadataJSON []byte
	if len(m.Metadata) > 0 {
		metadataJSON, _ = json.Marshal(m.Metadata)
	}

	_, err := s.db.Exec(
		`INSERT INTO chat_messages (id, role, channel, content, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Role, m.Channel, m.Content, string(metadataJSON),
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

// ChatHistory returns the most recent limit messages in chronological
// order (oldest first).
func (s *Store) ChatHistory(limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, role, channel, content, metadata_json, created_at
		 FROM chat_messages ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	defer rows.Close()

	msgs, err := scanChatMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse: the query walks newest-first to apply the limit.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ChatSince returns up to max creator messages with IDs after the
// cursor, oldest first. An empty cursor returns from the beginning.
// The loop drains pending chat through here and advances LastChatID
// to the final returned ID.
func (s *Store) ChatSince(cursor string, max int) ([]ChatMessage, error) {
	if max <= 0 {
		max = 16
	}
	rows, err := s.db.Query(
		`SELECT id, role, channel, content, metadata_json, created_at
		 FROM chat_messages
		 WHERE role = ? AND id > ?
		 ORDER BY id ASC LIMIT ?`,
		RoleCreator, cursor, max,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending chat: %w", err)
	}
	defer rows.Close()

	return scanChatMessages(rows)
}

// ChatMessageByID fetches a single message. Returns nil, nil when the
// ID is unknown.
func (s *Store) ChatMessageByID(id string) (*ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, role, channel, content, metadata_json, created_at
		 FROM chat_messages WHERE id = ?`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query chat message: %w", err)
	}
	defer rows.Close()

	msgs, err := scanChatMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func scanChatMessages(rows *sql.Rows) ([]ChatMessage, error) {
	var msgs []ChatMessage
	for rows.Next() {
		var (
			m            ChatMessage
			metadataJSON sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Channel, &m.Content, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			_ = json.Unmarshal([]byte(metadataJSON.String), &m.Metadata)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			m.CreatedAt = t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
