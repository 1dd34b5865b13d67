package state

import (
	"fmt"
	"time"
)

// Note is one short-term scratchpad entry. The notes manager holds the
// ring in memory; these rows are its crash-recovery image.
type Note struct {
	Content   string    `json:"content"`
	Iteration int64     `json:"iteration"`
	CreatedAt time.Time `json:"created_at"`
}

// ReplaceNotes rewrites the persisted scratchpad in one transaction,
// preserving slice order.
func (s *Store) ReplaceNotes(notes []Note) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin notes tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM short_term_notes`); err != nil {
		return fmt.Errorf("clear notes: %w", err)
	}
	for _, n := range notes {
		created := n.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err := tx.Exec(
			`INSERT INTO short_term_notes (content, iteration, created_at) VALUES (?, ?, ?)`,
			n.Content, n.Iteration, created.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert note: %w", err)
		}
	}
	return tx.Commit()
}

// Notes loads the persisted scratchpad in insertion order.
func (s *Store) Notes() ([]Note, error) {
	rows, err := s.db.Query(
		`SELECT content, iteration, created_at FROM short_term_notes ORDER BY idx ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var (
			n         Note
			createdAt string
		)
		if err := rows.Scan(&n.Content, &n.Iteration, &createdAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			n.CreatedAt = t
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
