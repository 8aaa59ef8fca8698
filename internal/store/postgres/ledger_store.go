package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// LedgerStore implements domain.LedgerStore. Balances are NUMERIC so paper
// fills do not accumulate float drift across restarts.
type LedgerStore struct {
	pool *pgxpool.Pool
}

var _ domain.LedgerStore = (*LedgerStore)(nil)

func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

func (s *LedgerStore) Get(ctx context.Context, sessionID string) (domain.LedgerAccount, error) {
	const query = `SELECT session_id, quote, balance::text, holdings, updated_at FROM paper_ledgers WHERE session_id = $1`
	var (
		acct     domain.LedgerAccount
		balance  string
		holdings []byte
	)
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(&acct.SessionID, &acct.Quote, &balance, &holdings, &acct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerAccount{}, fmt.Errorf("postgres: ledger %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.LedgerAccount{}, fmt.Errorf("postgres: get ledger %s: %w", sessionID, err)
	}
	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return domain.LedgerAccount{}, fmt.Errorf("postgres: parse ledger balance %s: %w", sessionID, err)
	}
	acct.Balance = bal.InexactFloat64()
	if err := json.Unmarshal(holdings, &acct.Holdings); err != nil {
		return domain.LedgerAccount{}, fmt.Errorf("postgres: unmarshal holdings %s: %w", sessionID, err)
	}
	return acct, nil
}

// Put upserts the account.
func (s *LedgerStore) Put(ctx context.Context, acct domain.LedgerAccount) error {
	holdings := acct.Holdings
	if holdings == nil {
		holdings = map[string]float64{}
	}
	raw, err := json.Marshal(holdings)
	if err != nil {
		return fmt.Errorf("postgres: marshal holdings %s: %w", acct.SessionID, err)
	}
	const query = `
		INSERT INTO paper_ledgers (session_id, quote, balance, holdings, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			quote      = EXCLUDED.quote,
			balance    = EXCLUDED.balance,
			holdings   = EXCLUDED.holdings,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query,
		acct.SessionID, acct.Quote, decimal.NewFromFloat(acct.Balance).String(), raw, acct.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres: put ledger %s: %w", acct.SessionID, err)
	}
	return nil
}
