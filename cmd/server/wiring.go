package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/ledger-engine/internal/accrual"
	"github.com/atmx/ledger-engine/internal/balance"
	"github.com/atmx/ledger-engine/internal/catalog"
	"github.com/atmx/ledger-engine/internal/clock"
	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/position"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/settlement"
	"github.com/atmx/ledger-engine/internal/store"
)

// stores holds the opened backends and how to release them.
type stores struct {
	store    store.Store
	postgres *store.PostgresStore
	cleanup  []func()
}

func (s *stores) Close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

// openStore picks PostgreSQL when DATABASE_URL is set, optionally fronted
// by the Redis read cache, and falls back to the in-memory store.
func openStore(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{}
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		s.store = store.NewMemoryStore()
		return s, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	s.cleanup = append(s.cleanup, pool.Close)
	s.postgres = store.NewPostgresStore(pool, cfg.LockTimeout)
	s.store = s.postgres
	slog.Info("connected to PostgreSQL")

	// Wrap with Redis read-through cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		s.cleanup = append(s.cleanup, func() { rdb.Close() })
		s.store = store.NewCachedStore(s.store, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return s, nil
}

// engines is the domain core built over one store.
type engines struct {
	ledger      *balance.Ledger
	positions   *position.Engine
	investments *accrual.Engine
	plans       catalog.Catalog
	settlement  *settlement.Job
}

func buildEngines(cfg *config.Config, st store.Store, sink balance.EventSink) (*engines, error) {
	plans, err := catalog.LoadFile(cfg.PlansFile)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}

	clk := clock.System{}
	ledger := balance.NewLedger(st, sink, clk)
	limiter := risk.NewExposureLimiter(cfg.MaxSymbolNotional, cfg.MaxBaseNotional)
	investments := accrual.NewEngine(st, ledger, plans, clk, cfg.PayoutInterval)
	job := settlement.New(investments, clk, settlement.Config{
		Interval:    cfg.SettlementInterval,
		Concurrency: cfg.SettlementConcurrency,
		BatchSize:   cfg.SettlementBatchSize,
	}, slog.Default().With("component", "settlement"))

	return &engines{
		ledger:      ledger,
		positions:   position.NewEngine(st, ledger, limiter, clk),
		investments: investments,
		plans:       plans,
		settlement:  job,
	}, nil
}
