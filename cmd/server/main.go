package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/parimutuel/internal/api"
	"github.com/atmx/parimutuel/internal/chips"
	"github.com/atmx/parimutuel/internal/config"
	"github.com/atmx/parimutuel/internal/custody"
	"github.com/atmx/parimutuel/internal/lock"
	"github.com/atmx/parimutuel/internal/market"
	"github.com/atmx/parimutuel/internal/metrics"
	"github.com/atmx/parimutuel/internal/store"
	"github.com/atmx/parimutuel/internal/tier"
)

func main() {
	if err := run(); err != nil {
		slog.Error("parimutuel stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	boot := &config.Bootstrap{}
	if cfg.BootstrapFile != "" {
		if boot, err = config.LoadBootstrap(cfg.BootstrapFile); err != nil {
			return err
		}
	}

	// --- Initialize store and locker ---
	var st store.Store
	var locker lock.Locker = lock.NewLocal()
	var pool *pgxpool.Pool
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.DatabaseURL != "" {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Redis adds a read-through cache and cross-process pair locks.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return err
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			locker = lock.NewRedis(rdb, cfg.LockTTL)
			slog.Info("Redis cache and locks enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Chip inspector ---
	var inspector chips.Inspector
	if cfg.EthRPCURL != "" {
		eth, err := chips.NewEthInspector(ctx, cfg.EthRPCURL)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, eth.Close)
		inspector = eth
	} else {
		inspector = chips.NewStaticInspector(boot.ChipDecimals())
	}
	registry := chips.NewRegistry(st, inspector, func() time.Time { return time.Now().UTC() })

	// --- Tiers ---
	var bonus interface {
		tier.BonusSource
		tier.ActivityReporter
	} = tier.Fixed{}
	var table *tier.Table
	if len(boot.Tiers) > 0 {
		if table, err = tier.NewTable(boot.Tiers); err != nil {
			return err
		}
		bonus = table
	}

	// --- Custody ---
	// Balances live next to the pair state: a persistent store needs a
	// persistent vault, or funds held before a restart could never be paid.
	var vault custody.Transferer
	if pool != nil {
		pv := custody.NewPostgresVault(pool)
		if err := pv.Migrate(ctx); err != nil {
			return err
		}
		for _, b := range boot.Balances {
			if err := pv.Seed(ctx, common.HexToAddress(b.Chip), common.HexToAddress(b.Account), b.Amount); err != nil {
				return err
			}
		}
		vault = pv
	} else {
		mv := custody.NewVault()
		for _, b := range boot.Balances {
			mv.Mint(common.HexToAddress(b.Chip), common.HexToAddress(b.Account), b.Amount)
		}
		vault = mv
	}

	wsHub := api.NewWSHub()

	bondChip, bondAmount := cfg.Bond()
	engine := market.NewEngine(market.Deps{
		Store:    st,
		Chips:    registry,
		Custody:  vault,
		Bonus:    bonus,
		Activity: bonus,
		Locker:   locker,
		Events:   wsHub,
	}, market.Config{
		Governance:              cfg.Governance(),
		Vault:                   cfg.Vault(),
		ResolveGracePeriod:      cfg.ResolveGracePeriod,
		DefaultCreationFeeRatio: cfg.CreationFeeRatio,
		MaxCreationFeeRatio:     cfg.MaxCreationFeeRatio,
		CreationBondChip:        bondChip,
		CreationBondAmount:      bondAmount,
		LockTimeout:             cfg.LockTimeout,
	})

	if err := registerBootstrapChips(ctx, engine, cfg.Governance()[0], boot); err != nil {
		return err
	}
	if table != nil {
		if _, err := engine.ReplayStakeActivity(ctx); err != nil {
			return err
		}
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"parimutuel"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	svc := api.NewService(engine, wsHub)
	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return engine.WatchExpiries(gctx, cfg.ExpiryScanInterval) })
	g.Go(func() error {
		slog.Info("parimutuel listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down parimutuel...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// registerBootstrapChips admits the bootstrap chips one at a time so chips
// already persisted by an earlier run are skipped.
func registerBootstrapChips(ctx context.Context, engine *market.Engine, gov common.Address, boot *config.Bootstrap) error {
	for _, c := range boot.Chips {
		addr := common.HexToAddress(c.Address)
		_, err := engine.AddChips(ctx, gov, []common.Address{addr})
		switch {
		case err == nil:
			slog.Info("bootstrap chip registered", "chip", addr.Hex())
		case errors.Is(err, chips.ErrDuplicate):
		default:
			return err
		}
	}
	return nil
}
