package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/postforge/postforge/internal/audit"
	"github.com/postforge/postforge/internal/breaker"
	"github.com/postforge/postforge/internal/cache"
	"github.com/postforge/postforge/internal/config"
	"github.com/postforge/postforge/internal/httpapi"
	"github.com/postforge/postforge/internal/ledger"
	"github.com/postforge/postforge/internal/persistence"
	"github.com/postforge/postforge/internal/persistence/postgres"
	"github.com/postforge/postforge/internal/pipeline"
	"github.com/postforge/postforge/internal/policy"
	"github.com/postforge/postforge/internal/receipt"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the PostForge HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Str("enforcement_mode", string(cfg.Enforcement)).
		Str("ledger_mode", string(cfg.Ledger)).
		Msg("postforge starting")

	repo, db, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	policyCfg, err := loadPolicyConfig(cfg.PolicyPath)
	if err != nil {
		return err
	}
	guardCfg, err := loadGuardrailConfig(cfg.GuardrailPath)
	if err != nil {
		return err
	}

	receipts := receipt.NewService(repo.Receipts, cfg.Receipts.TTL)
	recorder := audit.NewRecorder(repo.Audit)
	breakers := breaker.NewKeyed(breaker.DefaultConfig())
	orch := pipeline.NewOrchestrator(cfg.Enforcement, policy.NewEvaluator(policyCfg), recorder, receipts, breakers, nil)

	engine := ledger.NewEngine(cfg.Ledger, repo)
	issuer := ledger.NewIssuer(engine, ledger.NewGuardrailEngine(guardCfg, repo.Guardrails), receipts)
	reconciler := ledger.NewReconciler(engine, cfg.Reconcile)

	balances, err := cache.NewBalanceCache(cfg.Redis, repo.Balances)
	if err != nil {
		return err
	}
	defer balances.Close()

	var dbCheck httpapi.HealthCheck
	if db != nil {
		dbCheck = db.PingContext
	}

	handlers := httpapi.NewHandlers(cfg.Enforcement, cfg.Ledger, orch, receipts, issuer, engine, reconciler, balances, dbCheck)
	server := httpapi.NewServer(cfg.HTTP, handlers)

	go sweepReceipts(ctx, receipts, cfg.Receipts.SweepInterval)
	go runReconcileLoop(ctx, reconciler, cfg.Reconcile.Interval)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openRepository returns a postgres-backed repository when the database is
// enabled, running migrations first, and an in-memory one otherwise. The
// returned DB is nil in the in-memory case.
func openRepository(ctx context.Context, cfg *config.Config) (*persistence.Repository, *sqlx.DB, error) {
	if !cfg.Database.Enabled {
		log.Warn().Msg("database disabled, using in-memory stores")
		return persistence.NewMemoryRepository(), nil, nil
	}

	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return postgres.NewRepository(db, cfg.Database.QueryTimeout), db, nil
}

func loadPolicyConfig(path string) (*config.PolicyConfig, error) {
	if path == "" {
		return config.DefaultPolicyConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("policy file not found, using defaults")
		return config.DefaultPolicyConfig(), nil
	}
	return config.LoadPolicyConfig(path)
}

func loadGuardrailConfig(path string) (*config.GuardrailConfig, error) {
	if path == "" {
		return config.DefaultGuardrailConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("guardrail file not found, using defaults")
		return config.DefaultGuardrailConfig(), nil
	}
	return config.LoadGuardrailConfig(path)
}

func sweepReceipts(ctx context.Context, receipts *receipt.Service, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := receipts.SweepExpired(ctx); err != nil {
				log.Error().Err(err).Msg("receipt sweep failed")
			}
		}
	}
}

func runReconcileLoop(ctx context.Context, reconciler *ledger.Reconciler, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := reconciler.Run(ctx)
			if err != nil {
				log.Error().Err(err).Msg("scheduled reconciliation failed")
				continue
			}
			log.Info().
				Int("users_checked", summary.UsersChecked).
				Int("mismatches", summary.MismatchesFound).
				Int("adjustments", summary.AdjustmentsMade).
				Msg("scheduled reconciliation complete")
		}
	}
}
