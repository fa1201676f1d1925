package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/strategy"
)

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List registered strategies and their parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := strategy.NewDefaultRegistry(zap.NewNop())

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, name := range registry.Names() {
			fmt.Fprintf(w, "%s\n", name)
			specs, _ := registry.Specs(name)
			for _, p := range specs {
				fmt.Fprintf(w, "  %s\t%g\t[%g, %g]\t%s\n", p.Name, p.Default, p.Min, p.Max, p.Description)
			}
		}
		return w.Flush()
	},
}
