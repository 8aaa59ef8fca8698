package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// KillSwitchStore keeps the current flag per scope plus an append-only
// history table.
type KillSwitchStore struct {
	pool *pgxpool.Pool
}

var _ domain.KillSwitchStore = (*KillSwitchStore)(nil)

func NewKillSwitchStore(pool *pgxpool.Pool) *KillSwitchStore {
	return &KillSwitchStore{pool: pool}
}

func (s *KillSwitchStore) SetFlag(ctx context.Context, f domain.KillSwitchFlag) error {
	const query = `
		INSERT INTO kill_switch_flags (scope, active, reason, actor, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope) DO UPDATE SET
			active     = EXCLUDED.active,
			reason     = EXCLUDED.reason,
			actor      = EXCLUDED.actor,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query, f.Scope.String(), f.Active, f.Reason, f.Actor, f.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: set kill switch %s: %w", f.Scope, err)
	}
	return nil
}

func (s *KillSwitchStore) ListFlags(ctx context.Context) ([]domain.KillSwitchFlag, error) {
	rows, err := s.pool.Query(ctx, `SELECT scope, active, reason, actor, updated_at FROM kill_switch_flags ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list kill switch flags: %w", err)
	}
	defer rows.Close()

	var out []domain.KillSwitchFlag
	for rows.Next() {
		var (
			f     domain.KillSwitchFlag
			scope string
		)
		if err := rows.Scan(&scope, &f.Active, &f.Reason, &f.Actor, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan kill switch flag: %w", err)
		}
		f.Scope = domain.KillSwitchScope(scope)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *KillSwitchStore) AppendEvent(ctx context.Context, ev domain.KillSwitchEvent) error {
	const query = `INSERT INTO kill_switch_events (scope, active, reason, actor, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query, ev.Scope.String(), ev.Active, ev.Reason, ev.Actor, ev.CreatedAt); err != nil {
		return fmt.Errorf("postgres: append kill switch event %s: %w", ev.Scope, err)
	}
	return nil
}

// History returns the newest events first. An empty scope lists all scopes.
func (s *KillSwitchStore) History(ctx context.Context, scope domain.KillSwitchScope, limit int) ([]domain.KillSwitchEvent, error) {
	query := `SELECT scope, active, reason, actor, created_at FROM kill_switch_events`
	var args []any
	if scope != "" {
		args = append(args, scope.String())
		query += " WHERE scope = $1"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: kill switch history: %w", err)
	}
	defer rows.Close()

	var out []domain.KillSwitchEvent
	for rows.Next() {
		var (
			ev domain.KillSwitchEvent
			sc string
		)
		if err := rows.Scan(&sc, &ev.Active, &ev.Reason, &ev.Actor, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan kill switch event: %w", err)
		}
		ev.Scope = domain.KillSwitchScope(sc)
		out = append(out, ev)
	}
	return out, rows.Err()
}
