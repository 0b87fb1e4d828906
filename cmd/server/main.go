package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/audit"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/config"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/db"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/dispatch"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/domain"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/handlers"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/logger"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/ratelimit"
	"github.com/spbu-ds-practicum-2025/dhru-gateway/internal/storage/memory"
)

const shutdownTimeout = 15 * time.Second

// store bundles the repositories of the selected driver.
type store struct {
	accounts domain.AccountRepository
	services domain.ServiceRepository
	orders   domain.OrderRepository
	tx       domain.TransactionManager
	health   domain.HealthChecker
	pool     *db.Pool
}

func main() {
	migrate := flag.Bool("migrate", false, "create the database schema before serving")
	var admin adminCommand
	flag.StringVar(&admin.hashKey, "hash-key", "", "print the bcrypt hash of an API key and exit")
	flag.BoolVar(&admin.rehashKeys, "rehash-keys", false, "replace every plaintext API key with its bcrypt hash and exit")
	flag.StringVar(&admin.resetRateLimit, "reset-rate-limit", "", "clear the rate limit counter of a client origin and exit")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if admin.requested() {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := runAdmin(ctx, cfg, log, os.Stdout, admin)
		stop()
		if err != nil {
			log.Error("admin command failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, log, *migrate); err != nil {
		log.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("gateway stopped gracefully")
}

func run(cfg *config.Config, log *slog.Logger, migrate bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiLog, apiLogFile, err := logger.OpenAPILog(cfg.Log.APILogPath)
	if err != nil {
		return err
	}
	defer apiLogFile.Close()

	st, err := openStore(ctx, cfg, log, migrate)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	recorder, closeRecorder, err := newRecorder(ctx, cfg, apiLog)
	if err != nil {
		return err
	}
	defer closeRecorder()

	g, gctx := errgroup.WithContext(ctx)

	counters, err := newCounterStore(gctx, g, cfg, st, log)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(counters, ratelimit.Config{
		Limit:    cfg.RateLimit.Max,
		Window:   cfg.RateLimit.Window,
		FailOpen: cfg.RateLimit.FailOpen,
	}, ratelimit.WithLogger(log))

	dispatcher, closeDispatcher, err := newDispatcher(cfg, recorder, apiLog, log)
	if err != nil {
		return err
	}

	catalog := domain.NewCatalogService(st.services)
	orders := domain.NewOrderService(st.accounts, st.orders, catalog, st.tx, dispatcher, log)

	h := handlers.NewHandler(handlers.Dependencies{
		Auth:          domain.NewAuthService(st.accounts, cfg.Auth.RequireHashed),
		Catalog:       catalog,
		Orders:        orders,
		Limiter:       limiter,
		Health:        st.health,
		Recorder:      recorder,
		Logger:        log,
		CatalogFormat: cfg.Catalog.Format,
	})
	router := handlers.NewRouter(h, handlers.NewHealthHandler(st.health), handlers.RouterOptions{
		TrustProxyHeaders: cfg.RateLimit.TrustProxyHeaders,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("gateway listening",
			"addr", server.Addr,
			"store", cfg.Store.Driver,
			"dispatch", cfg.Dispatch.Mode,
			"catalog_format", cfg.Catalog.Format,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		// In-flight requests are done; drain accepted orders.
		closeDispatcher()
		return err
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger, migrate bool) (*store, error) {
	if cfg.Store.Driver == "memory" {
		log.Warn("using in-memory store, data is lost on exit")
		mem := memory.NewStore()
		seedMemoryStore(mem)
		return &store{
			accounts: mem.Accounts(),
			services: mem.Services(),
			orders:   mem.OrderRepo(),
			tx:       mem,
			health:   mem,
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.Store.DatabaseURL, db.PoolOptions{MaxConns: int32(cfg.Store.MaxConns)})
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	log.Info("database connection pool initialized", "max_conns", cfg.Store.MaxConns)

	if migrate {
		if err := db.Migrate(ctx, pool.Pool); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("database schema migrated")
	}

	return &store{
		accounts: db.NewAccountRepository(pool.Pool),
		services: db.NewServiceRepository(pool.Pool),
		orders:   db.NewOrderRepository(pool.Pool),
		tx:       db.NewTransactionManager(pool.Pool, log),
		health:   pool,
		pool:     pool,
	}, nil
}

// seedMemoryStore loads a demo reseller and catalog for local runs.
func seedMemoryStore(mem *memory.Store) {
	mem.PutAccount(domain.Account{
		ID:        1,
		Username:  "demo",
		APIKey:    "demo-key",
		Email:     "demo@example.com",
		Balance:   decimal.NewFromInt(100),
		Status:    domain.AccountStatusActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
	mem.PutService(domain.Service{
		ID:     "1",
		Name:   "iCloud Registration",
		Price:  decimal.RequireFromString("1.00"),
		Status: domain.ServiceStatusActive,
	})
}

func newCounterStore(ctx context.Context, g *errgroup.Group, cfg *config.Config, st *store, log *slog.Logger) (ratelimit.CounterStore, error) {
	window := cfg.RateLimit.Window

	if cfg.RateLimit.Store == "postgres" {
		if st.pool == nil {
			return nil, errors.New("postgres rate counters need the postgres store")
		}
		counters := db.NewRateCounterRepository(st.pool.Pool)
		g.Go(func() error {
			ticker := time.NewTicker(window)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case now := <-ticker.C:
					removed, err := counters.DeleteExpired(ctx, now.Add(-window))
					if err != nil {
						log.Warn("failed to sweep rate counters", "error", err)
						continue
					}
					log.Debug("rate counters swept", "removed", removed)
				}
			}
		})
		return counters, nil
	}

	counters := ratelimit.NewMemoryStore()
	g.Go(func() error {
		counters.RunSweeper(ctx, window)
		return nil
	})
	return counters, nil
}

func newRecorder(ctx context.Context, cfg *config.Config, apiLog *slog.Logger) (audit.Recorder, func(), error) {
	logRecorder := audit.NewLogRecorder(apiLog)
	if cfg.Audit.Sink != "clickhouse" {
		return logRecorder, func() {}, nil
	}

	ch, err := audit.NewClickHouseRecorder(ctx, cfg.ClickHouse)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize clickhouse audit sink: %w", err)
	}
	return audit.Multi{logRecorder, ch}, func() { _ = ch.Close() }, nil
}

// newDispatcher returns the order dispatcher and a func that drains it.
func newDispatcher(cfg *config.Config, recorder audit.Recorder, apiLog, log *slog.Logger) (domain.Dispatcher, func(), error) {
	if cfg.Dispatch.Mode == "rabbitmq" {
		publisher, err := dispatch.NewRabbitMQPublisher(cfg.RabbitMQ, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
		}
		log.Info("publishing accepted orders", "exchange", cfg.RabbitMQ.Exchange, "routing_key", cfg.RabbitMQ.RoutingKey)
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				log.Warn("failed to close rabbitmq publisher", "error", err)
			}
		}, nil
	}

	upstream := dispatch.NewUpstreamClient(cfg.Upstream.URL, cfg.Upstream.Service, cfg.Upstream.Timeout)
	pool := dispatch.NewPool(cfg.Dispatch.QueueSize, upstream, recorder, apiLog)
	pool.Start(cfg.Dispatch.Workers)
	log.Info("dispatch pool started", "workers", cfg.Dispatch.Workers, "queue_size", cfg.Dispatch.QueueSize)
	return pool, pool.Shutdown, nil
}
