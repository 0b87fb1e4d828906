package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations creates the gateway schema. Every statement is idempotent.
var migrations = []string{
	// 001_create_api_users_table
	`CREATE TABLE IF NOT EXISTS api_users (
		id BIGSERIAL PRIMARY KEY,
		api_user VARCHAR(100) NOT NULL UNIQUE,
		api_key VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL DEFAULT '',
		balance NUMERIC(15, 2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	// 002_create_imei_services_table
	`CREATE TABLE IF NOT EXISTS imei_services (
		service_id VARCHAR(64) PRIMARY KEY,
		service_name VARCHAR(255) NOT NULL,
		credit NUMERIC(15, 2) NOT NULL CHECK (credit >= 0),
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		service_group VARCHAR(255) NOT NULL DEFAULT ''
	);`,
	// 003_create_orders_table
	`CREATE TABLE IF NOT EXISTS orders (
		order_id VARCHAR(64) PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES api_users(id),
		service_id VARCHAR(64) NOT NULL REFERENCES imei_services(service_id),
		imei VARCHAR(64) NOT NULL,
		price NUMERIC(15, 2) NOT NULL,
		status VARCHAR(20) NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id);`,
	// 004_create_rate_counters_table
	`CREATE TABLE IF NOT EXISTS rate_counters (
		client_key VARCHAR(255) PRIMARY KEY,
		window_start TIMESTAMPTZ NOT NULL,
		hits BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_counters_window_start ON rate_counters(window_start);`,
}

// Migrate creates the gateway tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, migration := range migrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}
	return nil
}
