package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oracle-integrity-watch/internal/app"
)

var (
	showSubject string
	showLimit   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent anomaly records for a subject",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showSubject == "" {
			return fmt.Errorf("--subject is required")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Subject: showSubject,
			Limit:   showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showSubject, "subject", "", "Subject (feed) identifier")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of anomaly records to display")
}
