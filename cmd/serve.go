package cmd

import (
	"github.com/michaelpento.lv/flashlender/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve flash fee quotes and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, log, err := setup(cmd, func(c *config.Config) {
			if serveListen != "" {
				c.API.Listen = serveListen
			}
		})
		if err != nil {
			return err
		}
		defer n.Close()

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			return n.Serve(ctx)
		})
		g.Go(func() error {
			<-ctx.Done()
			log.Info("Stopping flash lender", zap.Uint64("served", n.Lender.Served()))
			return nil
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default from config or $"+config.EnvAPIListen+")")
}
