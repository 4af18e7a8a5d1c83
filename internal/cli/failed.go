package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"shiftwatch/internal/app"
)

var (
	failedLimit int
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Display recent failed payment shifts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if failedLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.FailedOptions{
			Limit: failedLimit,
		}

		return getApp().Failed(cmd.Context(), opts)
	},
}

func init() {
	failedCmd.Flags().IntVar(&failedLimit, "limit", 20, "Number of failed shifts to display")
}
