// Command server runs the market-core HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/forecastex/market-core/internal/api"
	"github.com/forecastex/market-core/internal/config"
	"github.com/forecastex/market-core/internal/engine"
	"github.com/forecastex/market-core/internal/metrics"
	"github.com/forecastex/market-core/internal/model"
	"github.com/forecastex/market-core/internal/store"
	"github.com/forecastex/market-core/internal/token"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "market-core",
		Short:        "Prediction-market engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	st, cleanup, err := buildStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	registry, err := token.NewRegistry(cfg.Tokens)
	if err != nil {
		return err
	}
	if err := seedTokens(ctx, st, registry); err != nil {
		return err
	}

	adminWalletID, err := ensureAdminWallet(ctx, st, cfg.Engine.AdminWalletID)
	if err != nil {
		return err
	}

	eng := engine.New(st, engine.Config{
		AdminWalletID: adminWalletID,
		FeeRate:       cfg.Engine.FeeRate,
		FeeRebate:     cfg.Engine.FeeRebate,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServer(st, eng, log).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}
	metricsSrv := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: metrics.Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("api server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info("metrics server listening", "addr", cfg.Server.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Expired orders are swept on a fixed cadence rather than per-request.
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(cfg.Engine.ExpirySweep.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				n, err := eng.ExpireOrders(ctx, now.UTC())
				if err != nil {
					log.Error("expiry sweep failed", "error", err)
				} else if n > 0 {
					log.Info("expired orders", "count", n)
				}
			}
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("api shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics shutdown", "error", err)
	}
	<-sweepDone
	return nil
}

// buildStore selects the persistence stack: PostgreSQL when a URL is
// configured, the in-memory store otherwise, with an optional Redis read
// cache layered on top.
func buildStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, func(), error) {
	cleanup := func() {}

	var st store.Store
	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse database url: %w", err)
		}
		poolCfg.MaxConns = cfg.Database.MaxConns
		poolCfg.MinConns = cfg.Database.MinConns

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		st = store.NewPostgresStore(pool)
		cleanup = pool.Close
		log.Info("using postgres store")
	} else {
		st = store.NewMemoryStore()
		log.Warn("no database configured, using in-memory store")
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, cache disabled", "error", err)
		} else {
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL.Duration)
			prev := cleanup
			cleanup = func() {
				rdb.Close()
				prev()
			}
			log.Info("redis cache enabled", "addr", cfg.Redis.Addr)
		}
	}
	return st, cleanup, nil
}

// seedTokens creates a BASE token row for every configured definition
// that does not exist yet.
func seedTokens(ctx context.Context, st store.Store, registry *token.Registry) error {
	for _, symbol := range registry.Symbols() {
		def, err := registry.Lookup(symbol)
		if err != nil {
			return err
		}
		if _, err := st.GetTokenBySymbol(ctx, symbol); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		tok := &model.Token{
			ID:          uuid.New().String(),
			Symbol:      def.Symbol,
			Fingerprint: def.Fingerprint,
			Type:        model.TokenBase,
			Decimals:    def.Decimals,
			StepSize:    def.StepSize,
			Supply:      decimal.Zero,
			CreatedAt:   time.Now().UTC(),
		}
		if err := st.CreateToken(ctx, tok); err != nil {
			return err
		}
		slog.Info("seeded base token", "symbol", def.Symbol)
	}
	return nil
}

// ensureAdminWallet returns the configured administrative wallet, creating
// one when none is configured. Fees and settlement dust accrue here.
func ensureAdminWallet(ctx context.Context, st store.Store, id string) (string, error) {
	if id != "" {
		if _, err := st.GetWallet(ctx, id); err != nil {
			return "", fmt.Errorf("admin wallet %s: %w", id, err)
		}
		return id, nil
	}
	wallet := &model.Wallet{
		ID:        uuid.New().String(),
		OwnerID:   "system",
		Kind:      model.WalletAvailable,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateWallet(ctx, wallet); err != nil {
		return "", err
	}
	slog.Info("created admin wallet", "wallet_id", wallet.ID)
	return wallet.ID, nil
}
