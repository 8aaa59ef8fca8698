package postgres

import (
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/strat?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "strat", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
	assert.Equal(t, "postgres://h:6543/?sslmode=require", DSN(ClientConfig{Host: "h", Port: 6543, SSLMode: "require"}))
	assert.Equal(t, "postgres://u:p%40ss@db:5432/strat?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "strat", User: "u", Password: "p@ss"}))
}

func TestMigrationFilesSorted(t *testing.T) {
	names, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_init.sql", names[0])
	assert.IsIncreasing(t, names)
}

func TestMigrationsCoverEveryTable(t *testing.T) {
	data, err := fs.ReadFile(migrationsFS, "migrations/001_init.sql")
	require.NoError(t, err)
	sql := string(data)
	for _, table := range []string{
		"trading_sessions", "paper_ledgers", "trade_logs", "kill_switch_flags",
		"kill_switch_events", "strategy_configs", "platform_settings", "audit_log",
	} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table, table)
	}
	assert.True(t, strings.Contains(sql, "UNIQUE (session_id, idempotency_key)"))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(nil))
}
