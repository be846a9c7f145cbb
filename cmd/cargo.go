package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/sells-group/sourcing-cli/internal/cost"
	"github.com/sells-group/sourcing-cli/internal/model"
)

var cargoCmd = &cobra.Command{
	Use:   "cargo",
	Short: "Landed cost calculations",
}

var cargoCalcCmd = &cobra.Command{
	Use:   "calc",
	Short: "Compute landed cost for one offer",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		calc, err := initCalculator()
		if err != nil {
			return err
		}

		in := cost.Input{}
		in.Quantity, _ = cmd.Flags().GetInt("quantity")
		in.ProviderID, _ = cmd.Flags().GetString("provider")
		if in.ProviderID == "" {
			in.ProviderID = calc.Providers().Default().ID
		}
		if in.ItemCostUSD, err = decimalFlag(cmd, "item-cost"); err != nil {
			return err
		}
		if in.WeightKg, err = decimalFlag(cmd, "weight"); err != nil {
			return err
		}
		for flag, dst := range map[string]**decimal.Decimal{
			"customs":    &in.CustomsRatePct,
			"vat":        &in.VATRatePct,
			"sell-price": &in.SellPriceLocal,
		} {
			if !cmd.Flags().Changed(flag) {
				continue
			}
			d, err := decimalFlag(cmd, flag)
			if err != nil {
				return err
			}
			*dst = &d
		}

		if cmd.Flags().Changed("usd-rate") {
			if in.USDRate, err = decimalFlag(cmd, "usd-rate"); err != nil {
				return err
			}
		} else {
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			if in.USDRate, err = initRates(st).USDRate(ctx); err != nil {
				return eris.Wrap(err, "cargo calc: current usd rate")
			}
		}

		snap, err := calc.Calculate(in)
		if err != nil {
			return eris.Wrap(err, "cargo calc")
		}
		return printJSON(os.Stdout, snap)
	},
}

var cargoProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List cargo providers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		calc, err := initCalculator()
		if err != nil {
			return err
		}
		origin, _ := cmd.Flags().GetString("origin")
		providers := calc.Providers().List(origin)
		if len(providers) == 0 {
			fmt.Fprintln(os.Stderr, "No providers found.")
			return nil
		}
		formatProviders(os.Stdout, providers, calc.Providers().Default().ID)
		return nil
	},
}

func formatProviders(w io.Writer, providers []model.CargoProvider, defaultID string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tORIGIN\tMETHOD\tRATE/KG\tMIN KG\tDAYS\t")
	for _, p := range providers {
		minKg := "-"
		if p.MinWeightKg != nil {
			minKg = p.MinWeightKg.String()
		}
		marker := ""
		if p.ID == defaultID {
			marker = "(default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			p.ID, p.Name, p.Origin, p.Method, p.RatePerKg.StringFixed(2), minKg, p.DeliveryDays, marker)
	}
	_ = tw.Flush()
}

func init() {
	cargoCalcCmd.Flags().String("item-cost", "", "unit price in USD (required)")
	cargoCalcCmd.Flags().String("weight", "", "total shipment weight in kg (required)")
	cargoCalcCmd.Flags().Int("quantity", 1, "order quantity")
	cargoCalcCmd.Flags().String("provider", "", "cargo provider id (default from config)")
	cargoCalcCmd.Flags().String("customs", "", "customs rate percent")
	cargoCalcCmd.Flags().String("vat", "", "VAT rate percent")
	cargoCalcCmd.Flags().String("sell-price", "", "planned local sell price per unit")
	cargoCalcCmd.Flags().String("usd-rate", "", "local currency per USD (default: current rate)")
	_ = cargoCalcCmd.MarkFlagRequired("item-cost")
	_ = cargoCalcCmd.MarkFlagRequired("weight")

	cargoProvidersCmd.Flags().String("origin", "", "filter by origin (CN, TR, EU)")

	cargoCmd.AddCommand(cargoCalcCmd, cargoProvidersCmd)
	rootCmd.AddCommand(cargoCmd)
}
