package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// SessionStore implements domain.SessionStore. Limits and counters are JSONB.
type SessionStore struct {
	pool *pgxpool.Pool
}

var _ domain.SessionStore = (*SessionStore)(nil)

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionColumns = `id, owner_id, bot_id, mode, pair, timeframe, strategy_id, strategy_config,
	config_hash, status, status_reason, initial_balance, current_balance, limits, counters,
	last_decision_at, created_at, updated_at`

// Create inserts a session; a duplicate id returns domain.ErrAlreadyExists.
func (s *SessionStore) Create(ctx context.Context, sess domain.TradingSession) error {
	limits, counters, err := encodeSessionJSON(sess)
	if err != nil {
		return err
	}
	const query = `INSERT INTO trading_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	_, err = s.pool.Exec(ctx, query,
		sess.ID, sess.OwnerID, sess.BotID, string(sess.Mode), sess.Pair, sess.Timeframe,
		sess.StrategyID, sess.StrategyConfig, sess.ConfigHash, string(sess.Status), sess.StatusReason,
		sess.InitialBalance, sess.CurrentBalance, limits, counters,
		sess.LastDecisionAt, sess.CreatedAt, sess.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("postgres: create session %s: %w", sess.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("postgres: create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (domain.TradingSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM trading_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradingSession{}, fmt.Errorf("postgres: session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TradingSession{}, fmt.Errorf("postgres: get session %s: %w", id, err)
	}
	return sess, nil
}

// Update writes the mutable fields of a session.
func (s *SessionStore) Update(ctx context.Context, sess domain.TradingSession) error {
	limits, counters, err := encodeSessionJSON(sess)
	if err != nil {
		return err
	}
	const query = `
		UPDATE trading_sessions SET
			status = $2, status_reason = $3, current_balance = $4, limits = $5,
			counters = $6, last_decision_at = $7, updated_at = $8
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		sess.ID, string(sess.Status), sess.StatusReason, sess.CurrentBalance,
		limits, counters, sess.LastDecisionAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update session %s: %w", sess.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update session %s: %w", sess.ID, domain.ErrNotFound)
	}
	return nil
}

func (s *SessionStore) ListByStatus(ctx context.Context, statuses ...domain.SessionStatus) ([]domain.TradingSession, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM trading_sessions WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.TradingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func encodeSessionJSON(sess domain.TradingSession) ([]byte, []byte, error) {
	limits, err := json.Marshal(sess.Limits)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal limits %s: %w", sess.ID, err)
	}
	counters, err := json.Marshal(sess.Counters)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: marshal counters %s: %w", sess.ID, err)
	}
	return limits, counters, nil
}

func scanSession(row pgx.Row) (domain.TradingSession, error) {
	var (
		sess             domain.TradingSession
		mode, status     string
		limits, counters []byte
		lastDecision     *time.Time
	)
	if err := row.Scan(
		&sess.ID, &sess.OwnerID, &sess.BotID, &mode, &sess.Pair, &sess.Timeframe,
		&sess.StrategyID, &sess.StrategyConfig, &sess.ConfigHash, &status, &sess.StatusReason,
		&sess.InitialBalance, &sess.CurrentBalance, &limits, &counters,
		&lastDecision, &sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return domain.TradingSession{}, err
	}
	sess.Mode = domain.Mode(mode)
	sess.Status = domain.SessionStatus(status)
	sess.LastDecisionAt = lastDecision
	if err := json.Unmarshal(limits, &sess.Limits); err != nil {
		return domain.TradingSession{}, fmt.Errorf("unmarshal limits: %w", err)
	}
	if err := json.Unmarshal(counters, &sess.Counters); err != nil {
		return domain.TradingSession{}, fmt.Errorf("unmarshal counters: %w", err)
	}
	return sess, nil
}
