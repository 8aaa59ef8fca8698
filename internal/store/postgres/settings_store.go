package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stratcore/internal/domain"
)

// SettingsStore reads and writes platform_settings as text values.
type SettingsStore struct {
	pool *pgxpool.Pool
}

var _ domain.SettingsStore = (*SettingsStore)(nil)

func NewSettingsStore(pool *pgxpool.Pool) *SettingsStore {
	return &SettingsStore{pool: pool}
}

func (s *SettingsStore) GetFloat(ctx context.Context, key string) (float64, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT value FROM platform_settings WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("postgres: setting %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: get setting %s: %w", key, err)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: setting %s is not a number: %w", key, err)
	}
	return v, nil
}

func (s *SettingsStore) SetFloat(ctx context.Context, key string, value float64) error {
	const query = `
		INSERT INTO platform_settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, key, strconv.FormatFloat(value, 'f', -1, 64)); err != nil {
		return fmt.Errorf("postgres: set setting %s: %w", key, err)
	}
	return nil
}
