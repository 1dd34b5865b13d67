// Package blob implements the append-only JSONL audit log. Every LLM
// exchange, tool execution, chat message, and system event lands here
// in arrival order, one file per UTC day under <data>/blob/. The files
// are the agent's ground truth: memory, analytics, and debugging all
// reconstruct from them.
package blob

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types. Iteration plan summaries are EventPlanning entries.
const (
	EventLLMRequest  = "llm_request"
	EventLLMResponse = "llm_response"
	EventToolCall    = "tool_call"
	EventToolResult  = "tool_result"
	EventChatCreator = "chat_creator"
	EventChatJarvis  = "chat_jarvis"
	EventSystem      = "system"
	EventError       = "error"
	EventPlanning    = "planning"
)

// Event is one line of the audit log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Log appends events to day-partitioned JSONL files. Writers take a
// short exclusive lock so concurrent appends never interleave bytes;
// a failed write gets exactly one retry on a reopened handle before
// the error surfaces.
type Log struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	fileDay string
	healthy bool
}

// NewLog opens the blob log rooted at dir, creating the directory if
// needed. The first append creates today's file.
func NewLog(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Log{
		dir:     dir,
		logger:  logger.With("component", "blob"),
		healthy: true,
	}, nil
}

// Dir returns the blob directory.
func (l *Log) Dir() string {
	return l.dir
}

// Append writes one event. An empty timestamp is filled with now; the
// event lands in the file for its UTC day.
func (l *Log) Append(eventType, content string, metadata map[string]any) error {
	return l.AppendEvent(Event{
		EventType: eventType,
		Content:   content,
		Metadata:  metadata,
	})
}

// AppendEvent writes a fully formed event.
func (l *Log) AppendEvent(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode blob event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	day := e.Timestamp.Format("2006-01-02")
	if err := l.ensureFileLocked(day); err != nil {
		l.healthy = false
		return err
	}

	if _, err := l.file.Write(line); err != nil {
		// One retry on a fresh handle covers transient close/rotation
		// races; a second failure marks the log unavailable.
		l.logger.Warn("blob write failed, retrying", "error", err)
		l.file.Close()
		l.file = nil
		if err := l.ensureFileLocked(day); err != nil {
			l.healthy = false
			return err
		}
		if _, err := l.file.Write(line); err != nil {
			l.healthy = false
			return fmt.Errorf("append blob event: %w", err)
		}
	}
	l.healthy = true
	return nil
}

// Available reports whether the log can currently accept writes. The
// safety validator refuses all actions while this is false.
func (l *Log) Available() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.healthy {
		// Reprobe: the disk may have come back.
		day := time.Now().UTC().Format("2006-01-02")
		if err := l.ensureFileLocked(day); err != nil {
			return false
		}
		l.healthy = true
	}
	return true
}

// Stats is the on-disk footprint for /memory/stats.
type Stats struct {
	Files     int     `json:"files"`
	SizeBytes int64   `json:"size_bytes"`
	SizeMB    float64 `json:"size_mb"`
}

// Stats sums the day files.
func (l *Log) Stats() (Stats, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return Stats{}, fmt.Errorf("read blob dir: %w", err)
	}
	var st Stats
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		st.Files++
		st.SizeBytes += info.Size()
	}
	st.SizeMB = float64(st.SizeBytes) / (1024 * 1024)
	return st, nil
}

// Close flushes and closes the current day file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Log) ensureFileLocked(day string) error {
	if l.file != nil && l.fileDay == day {
		return nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	path := filepath.Join(l.dir, day+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open blob file %s: %w", path, err)
	}
	l.file = f
	l.fileDay = day
	return nil
}

// dayFile returns the path for a day string ("2006-01-02").
func (l *Log) dayFile(day string) string {
	return filepath.Join(l.dir, day+".jsonl")
}
