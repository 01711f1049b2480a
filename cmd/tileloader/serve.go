package main

import (
	"github.com/spf13/cobra"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/app"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the downloader with its ops API",
		Long:  "Start the configured downloader, drive its frame loop and serve health, stats, prefetch and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, err := loadConfig()
			if err != nil {
				return err
			}
			defer l.Sync()

			return app.Run(cmd.Context(), cfg, l)
		},
	}
}
