package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RateCounterRepository implements ratelimit.CounterStore using PostgreSQL,
// so every gateway replica shares the same counters.
type RateCounterRepository struct {
	pool *pgxpool.Pool
}

// NewRateCounterRepository creates a new RateCounterRepository.
func NewRateCounterRepository(pool *pgxpool.Pool) *RateCounterRepository {
	return &RateCounterRepository{pool: pool}
}

// Increment adds one hit to key in the window containing now.
// A row from an older window is restarted at 1.
func (r *RateCounterRepository) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	query := `
		INSERT INTO rate_counters (client_key, window_start, hits)
		VALUES ($1, $2, 1)
		ON CONFLICT (client_key) DO UPDATE
		SET hits = CASE
				WHEN rate_counters.window_start = EXCLUDED.window_start THEN rate_counters.hits + 1
				ELSE 1
			END,
		    window_start = EXCLUDED.window_start
		RETURNING hits
	`

	var hits int64
	start := now.Truncate(window).UTC()
	if err := r.pool.QueryRow(ctx, query, key, start).Scan(&hits); err != nil {
		return 0, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	return hits, nil
}

// Reset clears the counter for key.
func (r *RateCounterRepository) Reset(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM rate_counters WHERE client_key = $1`, key); err != nil {
		return fmt.Errorf("failed to reset rate counter: %w", err)
	}
	return nil
}

// DeleteExpired removes counters whose window started before cutoff.
func (r *RateCounterRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM rate_counters WHERE window_start < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired rate counters: %w", err)
	}
	return result.RowsAffected(), nil
}
