package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"compliance-custody/internal/app"
)

var (
	showLimit           int
	showReconciliations bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent ledger records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:           showLimit,
			Reconciliations: showReconciliations,
		}

		return getApp().Show(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showReconciliations, "reconciliations", false, "Show reconciliation samples instead of records")
}
