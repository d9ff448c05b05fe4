package cmd

import (
	"fmt"

	"github.com/michaelpento.lv/flashlender/config"
	"github.com/michaelpento.lv/flashlender/flashloan"
	"github.com/michaelpento.lv/flashlender/flashloan/borrower"
	fmath "github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	simDryRun  bool
	simJournal string
	simAction  string
	simLoans   int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate [amount]",
	Short: "Run flash loans against a freshly seeded pool",
	Long: `Seed the configured pool, fund the reference borrower and run flash loans
through the lender. With --dry-run every loan is rolled back after it runs.
--action selects the borrower behaviour: repay, repay-short, repay-nothing,
overpay, reenter, fail, panic or wrong-ack.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, log, err := setup(cmd, func(c *config.Config) {
			if simJournal != "" {
				c.Journal.Enabled = true
				c.Journal.Path = simJournal
			}
			if simAction != "" {
				c.Simulation.Action = simAction
			}
		})
		if err != nil {
			return err
		}
		defer n.Close()

		sim := n.Config().Simulation
		action, err := borrower.ParseAction(sim.Action)
		if err != nil {
			return err
		}
		raw := ""
		if len(args) == 1 {
			raw = args[0]
		}
		amount, err := amountArg(raw, sim.Amount)
		if err != nil {
			return err
		}

		b, err := n.NewBorrower(cmd.Context(), action)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		failed := 0
		for i := 0; i < simLoans; i++ {
			res, err := n.Borrow(cmd.Context(), b, amount, simDryRun)
			if err != nil {
				return fmt.Errorf("failed to run loan %d: %w", i+1, err)
			}
			if res.Err != nil {
				failed++
				fmt.Fprintf(out, "loan %d: rejected (%s): %v\n", i+1, flashloan.ErrorKind(res.Err), res.Err)
				continue
			}
			fmt.Fprintf(out, "loan %d: amount %s fee %s borrower %s pool %s%s\n", i+1,
				fmath.FormatUnits(res.Amount, fmath.Decimals),
				fmath.FormatUnits(res.Fee, fmath.Decimals),
				fmath.FormatUnits(res.BorrowerDelta, fmath.Decimals),
				fmath.FormatUnits(res.PoolDelta, fmath.Decimals),
				dryRunSuffix(res.DryRun))
		}

		if n.Journal != nil {
			receipts, err := n.Receipts(0)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "journal: %d receipts in %s\n", len(receipts), n.Config().Journal.Path)
		}

		log.Info("Simulation finished",
			zap.Int("loans", simLoans),
			zap.Int("failed", failed),
			zap.Bool("dry_run", simDryRun),
			zap.Uint64("served", n.Lender.Served()))
		if failed == simLoans && simLoans > 0 {
			return fmt.Errorf("all %d loans failed", failed)
		}
		return nil
	},
}

func dryRunSuffix(dry bool) string {
	if dry {
		return " (dry run)"
	}
	return ""
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().BoolVar(&simDryRun, "dry-run", false, "roll every loan back after running it")
	simulateCmd.Flags().StringVar(&simJournal, "journal", "", "record committed receipts in this bolt file")
	simulateCmd.Flags().StringVar(&simAction, "action", "", "borrower behaviour (default from config)")
	simulateCmd.Flags().IntVar(&simLoans, "loans", 1, "number of loans to run")
}
