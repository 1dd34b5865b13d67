package state

import (
	"database/sql"
	"fmt"
	"time"
)

// ProviderBalance is the persisted balance row for one provider. The
// budget tracker reconciles these against config-declared providers at
// boot; config wins on currency, persisted rows win on balances.
type ProviderBalance struct {
	Name             string     `json:"name"`
	Currency         string     `json:"currency"`
	KnownBalance     *float64   `json:"known_balance,omitempty"`
	BalanceUpdatedAt *time.Time `json:"balance_updated_at,omitempty"`
	SpentTracked     float64    `json:"spent_tracked"`
}

// UpsertProvider writes a provider balance row.
func (s *Store) UpsertProvider(pb ProviderBalance) error {
	var updatedAt any
	if pb.BalanceUpdatedAt != nil {
		updatedAt = pb.BalanceUpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.Exec(
		`INSERT INTO providers (name, currency, known_balance, balance_updated_at, spent_tracked)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
			currency = excluded.currency,
			known_balance = excluded.known_balance,
			balance_updated_at = excluded.balance_updated_at,
			spent_tracked = excluded.spent_tracked`,
		pb.Name, pb.Currency, pb.KnownBalance, updatedAt, pb.SpentTracked,
	)
	if err != nil {
		return fmt.Errorf("upsert provider %s: %w", pb.Name, err)
	}
	return nil
}

// Providers loads all persisted provider balance rows keyed by name.
func (s *Store) Providers() (map[string]ProviderBalance, error) {
	rows, err := s.db.Query(
		`SELECT name, currency, known_balance, balance_updated_at, spent_tracked FROM providers`,
	)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	result := make(map[string]ProviderBalance)
	for rows.Next() {
		var (
			pb        ProviderBalance
			balance   sql.NullFloat64
			updatedAt sql.NullString
		)
		if err := rows.Scan(&pb.Name, &pb.Currency, &balance, &updatedAt, &pb.SpentTracked); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		if balance.Valid {
			v := balance.Float64
			pb.KnownBalance = &v
		}
		if updatedAt.Valid && updatedAt.String != "" {
			if t, err := time.Parse(time.RFC3339Nano, updatedAt.String); err == nil {
				pb.BalanceUpdatedAt = &t
			}
		}
		result[pb.Name] = pb
	}
	return result, rows.Err()
}

// BudgetMonth is one calendar month's spend ledger.
type BudgetMonth struct {
	Month    string  `json:"month"` // "YYYY-MM"
	CapUSD   float64 `json:"cap_usd"`
	SpentUSD float64 `json:"spent_usd"`
	Charges  int64   `json:"charges"`
}

// LoadBudget returns the ledger row for a month, creating it with the
// given cap when absent. A pre-existing row keeps its stored cap so a
// creator override survives restarts.
func (s *Store) LoadBudget(month string, capUSD float64) (BudgetMonth, error) {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO budget_months (month, cap_usd, spent_usd, charges) VALUES (?, ?, 0, 0)`,
		month, capUSD,
	)
	if err != nil {
		return BudgetMonth{}, fmt.Errorf("seed budget month %s: %w", month, err)
	}

	var bm BudgetMonth
	err = s.db.QueryRow(
		`SELECT month, cap_usd, spent_usd, charges FROM budget_months WHERE month = ?`, month,
	).Scan(&bm.Month, &bm.CapUSD, &bm.SpentUSD, &bm.Charges)
	if err != nil {
		return BudgetMonth{}, fmt.Errorf("load budget month %s: %w", month, err)
	}
	return bm, nil
}

// SaveBudget writes the ledger row back.
func (s *Store) SaveBudget(bm BudgetMonth) error {
	_, err := s.db.Exec(
		`INSERT INTO budget_months (month, cap_usd, spent_usd, charges)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (month) DO UPDATE SET
			cap_usd = excluded.cap_usd,
			spent_usd = excluded.spent_usd,
			charges = excluded.charges`,
		bm.Month, bm.CapUSD, bm.SpentUSD, bm.Charges,
	)
	if err != nil {
		return fmt.Errorf("save budget month %s: %w", bm.Month, err)
	}
	return nil
}
