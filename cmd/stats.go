package main

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sourcing-cli/internal/monitoring"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize job health over a lookback window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours, _ := cmd.Flags().GetInt("lookback-hours")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}

		stuckAfter := time.Duration(cfg.Sourcing.StaleAfterMins) * time.Minute
		snap, err := monitoring.NewCollector(st, nil, stuckAfter).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "stats")
		}
		return printJSON(os.Stdout, snap)
	},
}

func init() {
	statsCmd.Flags().Int("lookback-hours", 0, "window to summarize (default from config)")
	rootCmd.AddCommand(statsCmd)
}
