// Package usage keeps a permanent ledger of model calls: tokens,
// cost, latency, and which routing tier asked for them. The blob log
// is pruned by age; this table is what still answers "what did March
// cost" a year later.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one model call.
type Record struct {
	ID           string
	Timestamp    time.Time
	Iteration    int64
	Tier         string // routing tier the call was requested on
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64 // zero for free providers and request-currency charges
	LatencyMs    int64
	Fallback     bool // the call landed on a provider below the first choice
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int     `json:"total_records"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// Store is the append-only ledger over the shared state database.
// SQLite serializes writes, so methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

const usageSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            TEXT PRIMARY KEY,
	timestamp     TEXT NOT NULL,
	iteration     INTEGER NOT NULL,
	tier          TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL,
	latency_ms    INTEGER NOT NULL,
	fallback      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS usage_records_time ON usage_records(timestamp);
CREATE INDEX IF NOT EXISTS usage_records_provider ON usage_records(provider);
`

// NewStore runs the schema migration over an existing handle and
// returns the ledger.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(usageSchema); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return &Store{db: db}, nil
}

// sqlTime renders timestamps the way the table stores and compares
// them. RFC 3339 in UTC sorts lexically, which is what the range
// queries rely on.
func sqlTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Record appends one row. A missing ID gets a fresh UUIDv7, a missing
// timestamp gets now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	fallback := 0
	if rec.Fallback {
		fallback = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(id, timestamp, iteration, tier, provider, model,
			 input_tokens, output_tokens, cost_usd, latency_ms, fallback)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, sqlTime(rec.Timestamp), rec.Iteration, rec.Tier,
		rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens,
		rec.CostUSD, rec.LatencyMs, fallback,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// aggregates is the SELECT list every summary query scans, in Summary
// field order.
const aggregates = `COUNT(*),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(cost_usd), 0)`

// Summary returns totals over [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT `+aggregates+` FROM usage_records WHERE timestamp >= ? AND timestamp < ?`,
		sqlTime(start), sqlTime(end),
	)
	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByProvider breaks the window down per provider.
func (s *Store) SummaryByProvider(start, end time.Time) (map[string]*Summary, error) {
	return s.grouped("provider", start, end)
}

// SummaryByModel breaks the window down per model.
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.grouped("model", start, end)
}

// SummaryByTier breaks the window down per routing tier, which is the
// number that tells you whether fallback is eating the budget.
func (s *Store) SummaryByTier(start, end time.Time) (map[string]*Summary, error) {
	return s.grouped("tier", start, end)
}

func (s *Store) grouped(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is one of our own literals above, never caller input.
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT COALESCE(%s, ''), `+aggregates+`
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`, column, column),
		sqlTime(start), sqlTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("usage by %s: %w", column, err)
	}
	defer rows.Close()

	groups := make(map[string]*Summary)
	for rows.Next() {
		var key string
		sum := new(Summary)
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan %s group: %w", column, err)
		}
		groups[key] = sum
	}
	return groups, rows.Err()
}
