package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Show or refresh exchange rates",
}

var ratesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current rate snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := initRates(st).GetRates(ctx)
		if err != nil {
			return eris.Wrap(err, "rates show")
		}
		return printJSON(os.Stdout, snap)
	},
}

var ratesRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch rates from the configured source and store them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := initRates(st).Refresh(ctx)
		if err != nil {
			return eris.Wrap(err, "rates refresh")
		}
		return printJSON(os.Stdout, snap)
	},
}

func init() {
	ratesCmd.AddCommand(ratesShowCmd, ratesRefreshCmd)
	rootCmd.AddCommand(ratesCmd)
}
