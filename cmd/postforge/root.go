package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/postforge/postforge/internal/config"
)

const (
	appName = "postforge"
	version = "v0.4.0"
)

var configPath string

func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:     appName,
		Short:   "PostForge content pipeline and token ledger",
		Version: version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "path to config file")

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(healthCmd())

	return root.ExecuteContext(ctx)
}

// loadConfig reads the config file, falling back to defaults when the
// file does not exist so the binary runs out of the box.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Warn().Str("path", configPath).Msg("config file not found, using defaults")
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}
