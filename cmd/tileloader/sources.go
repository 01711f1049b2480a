package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jaennil/guide_helper/backend/tileloader/internal/app"
	"github.com/jaennil/guide_helper/backend/tileloader/pkg/config"
)

func newSourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List tile sources",
		Long:  "Display the built-in tile sources and those configured through SOURCES",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			registry, _ := app.Sources(cfg.Sources)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tZOOM\tEXT\tURL")
			for _, id := range registry.IDs() {
				src, _ := registry.Get(id)
				fmt.Fprintf(w, "%s\t%d-%d\t%s\t%s\n", src.ID, src.MinZoom, src.MaxZoom, src.ImageExt, src.URL)
			}
			return w.Flush()
		},
	}
}
