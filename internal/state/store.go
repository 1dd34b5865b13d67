// Package state persists the agent's durable runtime snapshot in
// SQLite: the single-row agent state (directive, tiered goals,
// iteration counter, pause flag, memory config, chat cursor), the chat
// message log, short-term notes, provider balances, and monthly budget
// rows. All public methods are safe for concurrent use; read-modify-
// write helpers serialize through a store-level mutex so the director
// loop and the API never interleave partial updates.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jarvis-agent/jarvis/internal/config"
)

// Goals holds the three ordered goal tiers. Each tier is a sequence of
// short free-text entries maintained by the planner (goal review) or
// replaced externally via the API.
type Goals struct {
	ShortTerm []string `json:"short_term"`
	MidTerm   []string `json:"mid_term"`
	LongTerm  []string `json:"long_term"`
}

// Empty reports whether no tier has any entries.
func (g Goals) Empty() bool {
	return len(g.ShortTerm) == 0 && len(g.MidTerm) == 0 && len(g.LongTerm) == 0
}

// AgentState is the single-row durable snapshot loaded at the top of
// every iteration and saved at the bottom.
type AgentState struct {
	Directive   string
	Goals       Goals
	Iteration   int64
	Paused      bool
	ActiveTask  string
	Memory      config.MemoryConfig
	LastChatID  string // cursor: highest creator message ID already drained
	BudgetMonth string // "YYYY-MM" marker for month-rollover detection
	UpdatedAt   time.Time
}

// Store is the SQLite-backed state store. A single Store owns state.db;
// other packages receive the Store (or its *sql.DB via DB()) rather
// than opening their own connections.
type Store struct {
	db *sql.DB

	// stateMu serializes read-modify-write cycles on the agent_state
	// row. SQLite serializes individual statements but not RMW spans.
	stateMu sync.Mutex
}

// Open creates a state store at the given database path with WAL
// journaling and a busy timeout suited to concurrent readers.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. Tests inject an in-memory
// database here.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate state schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle so sibling stores (usage records)
// can share the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_state (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		directive    TEXT NOT NULL DEFAULT '',
		goals_json   TEXT NOT NULL DEFAULT '{}',
		iteration    INTEGER NOT NULL DEFAULT 0,
		paused       INTEGER NOT NULL DEFAULT 0,
		active_task  TEXT NOT NULL DEFAULT '',
		memory_json  TEXT NOT NULL DEFAULT '',
		last_chat_id TEXT NOT NULL DEFAULT '',
		budget_month TEXT NOT NULL DEFAULT '',
		updated_at   TEXT NOT NULL DEFAULT ''
	);
	INSERT OR IGNORE INTO agent_state (id) VALUES (1);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id            TEXT PRIMARY KEY,
		role          TEXT NOT NULL,
		channel       TEXT NOT NULL,
		content       TEXT NOT NULL,
		metadata_json TEXT,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_role_id ON chat_messages(role, id);

	CREATE TABLE IF NOT EXISTS short_term_notes (
		idx        INTEGER PRIMARY KEY AUTOINCREMENT,
		content    TEXT NOT NULL,
		iteration  INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS providers (
		name               TEXT PRIMARY KEY,
		currency           TEXT NOT NULL DEFAULT 'USD',
		known_balance      REAL,
		balance_updated_at TEXT,
		spent_tracked      REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS budget_months (
		month     TEXT PRIMARY KEY,
		cap_usd   REAL NOT NULL,
		spent_usd REAL NOT NULL DEFAULT 0,
		charges   INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID returns a UUIDv7 string. Version 7 IDs sort chronologically in
// their canonical form, which the chat cursor relies on.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// State loads the agent snapshot. A freshly migrated database returns
// the zero snapshot (iteration 0, empty directive) rather than an
// error; callers seed defaults on top.
func (s *Store) State() (AgentState, error) {
	var (
		st         AgentState
		goalsJSON  string
		memoryJSON string
		paused     int
		updatedAt  string
	)
	err := s.db.QueryRow(
		`SELECT directive, goals_json, iteration, paused, active_task,
		        memory_json, last_chat_id, budget_month, updated_at
		 FROM agent_state WHERE id = 1`,
	).Scan(&st.Directive, &goalsJSON, &st.Iteration, &paused, &st.ActiveTask,
		&memoryJSON, &st.LastChatID, &st.BudgetMonth, &updatedAt)
	if err != nil {
		return AgentState{}, fmt.Errorf("load agent state: %w", err)
	}

	st.Paused = paused != 0
	if goalsJSON != "" && goalsJSON != "{}" {
		if err := json.Unmarshal([]byte(goalsJSON), &st.Goals); err != nil {
			return AgentState{}, fmt.Errorf("decode goals: %w", err)
		}
	}
	if memoryJSON != "" {
		if err := json.Unmarshal([]byte(memoryJSON), &st.Memory); err != nil {
			return AgentState{}, fmt.Errorf("decode memory config: %w", err)
		}
	}
	if updatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			st.UpdatedAt = t
		}
	}
	return st, nil
}

// Save writes the full snapshot. The iteration counter must never move
// backwards; Save rejects a regression so a stale in-memory copy cannot
// clobber progress.
func (s *Store) Save(st AgentState) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.saveLocked(st)
}

func (s *Store) saveLocked(st AgentState) error {
	var current int64
	if err := s.db.QueryRow(`SELECT iteration FROM agent_state WHERE id = 1`).Scan(&current); err != nil {
		return fmt.Errorf("read iteration: %w", err)
	}
	if st.Iteration < current {
		return fmt.Errorf("iteration regression: %d < %d", st.Iteration, current)
	}

	goalsJSON, err := json.Marshal(st.Goals)
	if err != nil {
		return fmt.Errorf("encode goals: %w", err)
	}
	memoryJSON, err := json.Marshal(st.Memory)
	if err != nil {
		return fmt.Errorf("encode memory config: %w", err)
	}

	paused := 0
	if st.Paused {
		paused = 1
	}
	_, err = s.db.Exec(
		`UPDATE agent_state SET
			directive = ?, goals_json = ?, iteration = ?, paused = ?,
			active_task = ?, memory_json = ?, last_chat_id = ?,
			budget_month = ?, updated_at = ?
		 WHERE id = 1`,
		st.Directive, string(goalsJSON), st.Iteration, paused,
		st.ActiveTask, string(memoryJSON), st.LastChatID,
		st.BudgetMonth, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save agent state: %w", err)
	}
	return nil
}

// Mutate loads the snapshot, applies fn, and saves the result as one
// serialized cycle. Both the director loop and the API mutate state
// through here so concurrent partial updates cannot interleave.
func (s *Store) Mutate(fn func(*AgentState)) (AgentState, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	st, err := s.State()
	if err != nil {
		return AgentState{}, err
	}
	fn(&st)
	if err := s.saveLocked(st); err != nil {
		return AgentState{}, err
	}
	return st, nil
}

// SetPaused flips the pause flag without touching the rest of the row.
func (s *Store) SetPaused(paused bool) error {
	v := 0
	if paused {
		v = 1
	}
	_, err := s.db.Exec(
		`UPDATE agent_state SET paused = ?, updated_at = ? WHERE id = 1`,
		v, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	return nil
}

// Paused reads just the pause flag.
func (s *Store) Paused() (bool, error) {
	var v int
	if err := s.db.QueryRow(`SELECT paused FROM agent_state WHERE id = 1`).Scan(&v); err != nil {
		return false, fmt.Errorf("read paused: %w", err)
	}
	return v != 0, nil
}

// ReplaceGoals atomically replaces all three goal tiers.
func (s *Store) ReplaceGoals(g Goals) error {
	_, err := s.Mutate(func(st *AgentState) { st.Goals = g })
	return err
}

// SetDirective replaces the directive text.
func (s *Store) SetDirective(directive string) error {
	_, err := s.Mutate(func(st *AgentState) { st.Directive = directive })
	return err
}

// UpdateMemoryConfig validates and persists new retrieval knobs.
// Out-of-range values are rejected and the stored config is unchanged.
func (s *Store) UpdateMemoryConfig(mc config.MemoryConfig) error {
	if err := mc.Validate(); err != nil {
		return err
	}
	_, err := s.Mutate(func(st *AgentState) { st.Memory = mc })
	return err
}
