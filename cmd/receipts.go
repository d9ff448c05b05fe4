package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/michaelpento.lv/flashlender/config"
	fmath "github.com/michaelpento.lv/flashlender/utils/math"
	"github.com/spf13/cobra"
)

var (
	receiptsJournal string
	receiptsLimit   int
)

var receiptsCmd = &cobra.Command{
	Use:   "receipts",
	Short: "List receipts recorded in a journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _, err := setup(cmd, func(c *config.Config) {
			c.Journal.Enabled = true
			if receiptsJournal != "" {
				c.Journal.Path = receiptsJournal
			}
		})
		if err != nil {
			return err
		}
		defer n.Close()

		receipts, err := n.Receipts(receiptsLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tID\tLENDER\tRECEIVER\tAMOUNT\tFEE")
		for _, r := range receipts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Timestamp.UTC().Format("2006-01-02T15:04:05Z"), r.ID, r.Lender, r.Receiver.Hex(),
				fmath.FormatUnits(r.Amount, fmath.Decimals), fmath.FormatUnits(r.Fee, fmath.Decimals))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(receiptsCmd)
	receiptsCmd.Flags().StringVar(&receiptsJournal, "journal", "", "bolt journal to read (default from config)")
	receiptsCmd.Flags().IntVar(&receiptsLimit, "limit", 0, "maximum number of receipts to list")
}
