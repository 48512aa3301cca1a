package storage

import (
	"context"
	"testing"
	"time"

	"github.com/reward-settler/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "reward_settler_test",
		User:           "settler",
		Password:       "settler_dev_password",
		MaxConnections: 5,
	}
}

// setupPostgres connects to the local test database, applies migrations and
// truncates every table. Skips when Postgres is unavailable.
func setupPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	_, err = db.Pool().Exec(testContext(t), `
		TRUNCATE ledger_entries, settlement_batches, user_configs, user_profiles, notification_tokens
	`)
	if err != nil {
		t.Fatalf("truncate error = %v", err)
	}
	return db
}
