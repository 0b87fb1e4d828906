package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/config"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/db"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/ratelimit"
)

// adminCommand holds the one-shot operator commands. At most one runs,
// and the process exits afterwards instead of serving.
type adminCommand struct {
	hashKey        string
	rehashKeys     bool
	resetRateLimit string
}

func (c adminCommand) requested() bool {
	return c.hashKey != "" || c.rehashKeys || c.resetRateLimit != ""
}

func runAdmin(ctx context.Context, cfg *config.Config, log *slog.Logger, out io.Writer, cmd adminCommand) error {
	switch {
	case cmd.hashKey != "":
		return printKeyHash(out, cmd.hashKey)

	case cmd.rehashKeys:
		if cfg.Store.Driver != "postgres" {
			return errors.New("-rehash-keys needs STORE_DRIVER=postgres")
		}
		pool, err := db.NewPool(ctx, cfg.Store.DatabaseURL, db.PoolOptions{MaxConns: 2})
		if err != nil {
			return fmt.Errorf("failed to create database pool: %w", err)
		}
		defer pool.Close()

		migrated, err := domain.RehashPlaintextKeys(ctx, db.NewAccountRepository(pool.Pool))
		if err != nil {
			return err
		}
		log.Info("plaintext api keys rehashed", "migrated", migrated)
		return nil

	case cmd.resetRateLimit != "":
		counters, closeCounters, err := sharedCounters(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeCounters()

		limiter := ratelimit.New(counters, ratelimit.Config{
			Limit:  cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}, ratelimit.WithLogger(log))
		if err := limiter.Reset(ctx, cmd.resetRateLimit); err != nil {
			return fmt.Errorf("failed to reset rate limit for %s: %w", cmd.resetRateLimit, err)
		}
		log.Info("rate limit counter reset", "client", cmd.resetRateLimit)
		return nil
	}

	return nil
}

// printKeyHash writes the bcrypt hash of key, ready to store in api_users.api_key.
func printKeyHash(out io.Writer, key string) error {
	hashed, err := domain.HashKey(key)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hashed)
	return err
}

// sharedCounters opens the counter store that a separate process can reset.
// Memory counters live inside the serving process and are unreachable from here.
func sharedCounters(ctx context.Context, cfg *config.Config) (ratelimit.CounterStore, func(), error) {
	if cfg.RateLimit.Store != "postgres" {
		return nil, nil, errors.New("-reset-rate-limit needs RATE_LIMIT_STORE=postgres; memory counters reset on restart")
	}
	pool, err := db.NewPool(ctx, cfg.Store.DatabaseURL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	return db.NewRateCounterRepository(pool.Pool), pool.Close, nil
}
