package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// StrategyConfigStore keeps every strategy document a session ran with,
// addressed by its config hash. Documents are immutable.
type StrategyConfigStore struct {
	pool *pgxpool.Pool
}

var _ domain.StrategyConfigStore = (*StrategyConfigStore)(nil)

func NewStrategyConfigStore(pool *pgxpool.Pool) *StrategyConfigStore {
	return &StrategyConfigStore{pool: pool}
}

// Put stores rec unless its hash is already known.
func (s *StrategyConfigStore) Put(ctx context.Context, rec domain.StrategyConfigRecord) error {
	const query = `
		INSERT INTO strategy_configs (hash, strategy_id, name, document, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, rec.Hash, rec.StrategyID, rec.Name, rec.Document, rec.CreatedAt); err != nil {
		return fmt.Errorf("postgres: put strategy config %s: %w", rec.Hash, err)
	}
	return nil
}

func (s *StrategyConfigStore) Get(ctx context.Context, hash string) (domain.StrategyConfigRecord, error) {
	const query = `SELECT hash, strategy_id, name, document, created_at FROM strategy_configs WHERE hash = $1`
	var rec domain.StrategyConfigRecord
	err := s.pool.QueryRow(ctx, query, hash).Scan(&rec.Hash, &rec.StrategyID, &rec.Name, &rec.Document, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StrategyConfigRecord{}, fmt.Errorf("postgres: strategy config %s: %w", hash, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StrategyConfigRecord{}, fmt.Errorf("postgres: get strategy config %s: %w", hash, err)
	}
	return rec, nil
}
