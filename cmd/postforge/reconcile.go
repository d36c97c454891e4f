package main

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/postforge/postforge/internal/ledger"
)

func reconcileCmd() *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one ledger reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			repo, db, err := openRepository(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if db != nil {
				defer db.Close()
			}

			engine := ledger.NewEngine(cfg.Ledger, repo)
			reconciler := ledger.NewReconciler(engine, cfg.Reconcile)

			if verify {
				users, err := repo.Ledger.Users(cmd.Context())
				if err != nil {
					return err
				}
				for _, userID := range users {
					if err := reconciler.VerifyChain(cmd.Context(), userID); err != nil {
						log.Error().Err(err).Str("user_id", userID).Msg("ledger chain broken")
						return err
					}
				}
				log.Info().Int("users", len(users)).Msg("ledger chains verified")
			}

			summary, err := reconciler.Run(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "verify per-user running-sum chains before reconciling")
	return cmd
}
