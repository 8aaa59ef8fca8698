package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// TradeLogStore implements domain.TradeLogStore. The unique (session_id,
// idempotency_key) pair makes a replayed Append report ErrAlreadyExists.
type TradeLogStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeLogStore = (*TradeLogStore)(nil)

func NewTradeLogStore(pool *pgxpool.Pool) *TradeLogStore {
	return &TradeLogStore{pool: pool}
}

const tradeLogColumns = `id, ts, pair, side, entry_price, exit_price, quantity, fees, realized_pnl,
	mode, strategy_id, session_id, config_hash, owner_id, order_kind, idempotency_key, order_id`

func (s *TradeLogStore) Append(ctx context.Context, e domain.TradeLog) error {
	const query = `INSERT INTO trade_logs (` + tradeLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (session_id, idempotency_key) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query,
		e.ID, e.Timestamp, e.Pair, string(e.Side), e.EntryPrice, e.ExitPrice, e.Quantity, e.Fees, e.RealizedPnL,
		string(e.Mode), e.StrategyID, e.SessionID, e.ConfigHash, e.OwnerID, string(e.OrderKind), e.IdempotencyKey, e.OrderID,
	)
	if err != nil {
		return fmt.Errorf("postgres: append trade log %s: %w", e.IdempotencyKey, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: trade log %s: %w", e.IdempotencyKey, domain.ErrAlreadyExists)
	}
	return nil
}

func (s *TradeLogStore) ListBySession(ctx context.Context, sessionID string, opts domain.ListOpts) ([]domain.TradeLog, error) {
	query := `SELECT ` + tradeLogColumns + ` FROM trade_logs WHERE session_id = $1`
	args := []any{sessionID}
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND ts < $%d", len(args))
	}
	query += " ORDER BY ts"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.list(ctx, query, args...)
}

// ListBefore returns the oldest entries older than before. The archiver
// pages through it.
func (s *TradeLogStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeLog, error) {
	query := `SELECT ` + tradeLogColumns + ` FROM trade_logs WHERE ts < $1 ORDER BY ts`
	args := []any{before}
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $2"
	}
	return s.list(ctx, query, args...)
}

func (s *TradeLogStore) list(ctx context.Context, query string, args ...any) ([]domain.TradeLog, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade logs: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeLog
	for rows.Next() {
		e, err := scanTradeLog(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTradeLog(row pgx.Row) (domain.TradeLog, error) {
	var (
		e                     domain.TradeLog
		side, mode, orderKind string
	)
	err := row.Scan(
		&e.ID, &e.Timestamp, &e.Pair, &side, &e.EntryPrice, &e.ExitPrice, &e.Quantity, &e.Fees, &e.RealizedPnL,
		&mode, &e.StrategyID, &e.SessionID, &e.ConfigHash, &e.OwnerID, &orderKind, &e.IdempotencyKey, &e.OrderID,
	)
	e.Side = domain.OrderSide(side)
	e.Mode = domain.Mode(mode)
	e.OrderKind = domain.OrderKind(orderKind)
	return e, err
}
