// Package notes maintains the agent's short-term scratchpad: a small
// FIFO ring of free-text entries that survives restarts through the
// state store. The planner reads it every iteration and may edit it
// through the update protocol; the executor drops breadcrumbs into it
// after each tool run.
package notes

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jarvis-agent/jarvis/internal/state"
)

const (
	// Cap is the maximum number of notes held. Adding beyond the cap
	// evicts the oldest entries, strict FIFO.
	Cap = 50
	// MaxAge is how long a note survives before the per-iteration
	// expiry sweep drops it.
	MaxAge = 48 * time.Hour
)

// Update is the scratchpad edit a plan may carry. Remove and Replace
// indices refer to the numbered list as it was rendered into the
// prompt, before any of the update is applied.
type Update struct {
	Add     []string       `json:"add,omitempty"`
	Remove  []int          `json:"remove,omitempty"`
	Replace map[int]string `json:"replace,omitempty"`
}

// Empty reports whether the update would change nothing.
func (u Update) Empty() bool {
	return len(u.Add) == 0 && len(u.Remove) == 0 && len(u.Replace) == 0
}

// Manager is the mutex-guarded ring. All methods are safe for
// concurrent use.
type Manager struct {
	store  *state.Store
	logger *slog.Logger

	mu    sync.Mutex
	notes []state.Note
}

// NewManager loads the persisted scratchpad image from the state store.
func NewManager(store *state.Store, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		logger: logger.With("component", "notes"),
	}
	persisted, err := store.Notes()
	if err != nil {
		return nil, fmt.Errorf("load notes: %w", err)
	}
	m.notes = persisted
	m.trimLocked()
	return m, nil
}

// Add appends one note, evicting from the front when over cap.
func (m *Manager) Add(content string, iteration int64) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, state.Note{
		Content:   content,
		Iteration: iteration,
		CreatedAt: time.Now().UTC(),
	})
	m.trimLocked()
	m.persistLocked()
}

// AddBreadcrumb records a tool outcome in the standard breadcrumb
// shape the planner has learned to read.
func (m *Manager) AddBreadcrumb(iteration int64, tool string, ok bool, summary string) {
	status := "OK"
	if !ok {
		status = "FAILED"
	}
	summary = strings.ReplaceAll(strings.TrimSpace(summary), "\n", " ")
	if len(summary) > 100 {
		summary = summary[:100] + "..."
	}
	m.Add(fmt.Sprintf("[iter %d] %s %s: %s", iteration, tool, status, summary), iteration)
}

// Apply executes a plan's scratchpad update. Replacements land first
// (on the indices the plan saw), then removals, then additions.
// Out-of-range indices are ignored. Returns how many entries each
// phase touched.
func (m *Manager) Apply(u Update, iteration int64) (added, removed, replaced int) {
	if u.Empty() {
		return 0, 0, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for idx, content := range u.Replace {
		content = strings.TrimSpace(content)
		if idx < 0 || idx >= len(m.notes) || content == "" {
			continue
		}
		m.notes[idx].Content = content
		m.notes[idx].Iteration = iteration
		m.notes[idx].CreatedAt = time.Now().UTC()
		replaced++
	}

	// Remove from highest index down so earlier removals do not shift
	// the later ones.
	toRemove := append([]int(nil), u.Remove...)
	sort.Sort(sort.Reverse(sort.IntSlice(toRemove)))
	seen := -1
	for _, idx := range toRemove {
		if idx < 0 || idx >= len(m.notes) || idx == seen {
			continue
		}
		seen = idx
		m.notes = append(m.notes[:idx], m.notes[idx+1:]...)
		removed++
	}

	for _, content := range u.Add {
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		m.notes = append(m.notes, state.Note{
			Content:   content,
			Iteration: iteration,
			CreatedAt: time.Now().UTC(),
		})
		added++
	}

	m.trimLocked()
	m.persistLocked()
	return added, removed, replaced
}

// ExpireOld drops notes older than MaxAge and returns how many were
// dropped. The loop runs this as part of its periodic maintenance
// pass.
func (m *Manager) ExpireOld() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-MaxAge)
	kept := m.notes[:0]
	dropped := 0
	for _, n := range m.notes {
		if n.CreatedAt.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, n)
	}
	m.notes = kept
	if dropped > 0 {
		m.persistLocked()
	}
	return dropped
}

// List returns a copy of the current notes, oldest first.
func (m *Manager) List() []state.Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.Note, len(m.notes))
	copy(out, m.notes)
	return out
}

// Len returns the current note count.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notes)
}

// Render returns the numbered prompt section. Indices here are the
// ones Update.Remove and Update.Replace refer to.
func (m *Manager) Render() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.notes) == 0 {
		return "(empty)"
	}
	var sb strings.Builder
	for i, n := range m.notes {
		fmt.Fprintf(&sb, "%d. %s\n", i, n.Content)
	}
	return sb.String()
}

func (m *Manager) trimLocked() {
	if len(m.notes) > Cap {
		m.notes = m.notes[len(m.notes)-Cap:]
	}
}

func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.ReplaceNotes(m.notes); err != nil {
		m.logger.Warn("persist notes failed", "error", err)
	}
}
