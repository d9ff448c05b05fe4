package cmd

import (
	"fmt"
	"math/big"

	"github.com/michaelpento.lv/flashlender/config"
	fmath "github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/spf13/cobra"
)

var quoteCmd = &cobra.Command{
	Use:   "quote [amount]",
	Short: "Print the flash fee and the maximum loan",
	Long: `Print the flash fee for amount and the largest loan the pool can serve.
amount is in base units, or whole tokens with a "tokens" suffix ("1.5tokens").
It defaults to the simulation amount from the config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _, err := setup(cmd, nil)
		if err != nil {
			return err
		}
		defer n.Close()

		raw := ""
		if len(args) == 1 {
			raw = args[0]
		}
		amount, err := amountArg(raw, n.Config().Simulation.Amount)
		if err != nil {
			return err
		}

		q, err := n.Quote(cmd.Context(), amount)
		if err != nil {
			return fmt.Errorf("failed to quote: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "asset:          %s\n", q.Asset.Hex())
		fmt.Fprintf(out, "maturity:       %s\n", q.Maturity.UTC().Format("2006-01-02T15:04:05Z"))
		fmt.Fprintf(out, "amount:         %s (%s)\n", fmath.FormatUnits(q.Amount, fmath.Decimals), q.Amount)
		fmt.Fprintf(out, "flash fee:      %s (%s)\n", fmath.FormatUnits(q.Fee, fmath.Decimals), q.Fee)
		fmt.Fprintf(out, "max flash loan: %s (%s)\n", fmath.FormatUnits(q.Max, fmath.Decimals), q.Max)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(quoteCmd)
}

func amountArg(raw, fallback string) (*big.Int, error) {
	if raw == "" {
		raw = fallback
	}
	amount, err := config.ParseAmount(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	return amount, nil
}
