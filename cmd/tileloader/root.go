package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jaennil/guide_helper/backend/tileloader/pkg/config"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/logger"
)

// NewRootCommand creates the root cobra command
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tileloader",
		Short: "Map tile fetch and cache scheduler",
		Long: "tileloader downloads map tiles into a local disk cache. " +
			"Configuration is read from the environment and an optional .env file.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newPrefetchCommand())
	cmd.AddCommand(newSourcesCommand())

	return cmd
}

// loadConfig is shared by every subcommand.
func loadConfig() (*config.Config, *logger.ZapLogger, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, logger.NewZapLogger(cfg.Logger.Level), nil
}
