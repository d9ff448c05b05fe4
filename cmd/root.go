package cmd

import (
	"context"
	"fmt"

	"github.com/michaelpento.lv/flashlender/cmd/node"
	"github.com/michaelpento.lv/flashlender/config"
	"github.com/michaelpento.lv/flashlender/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "flashlender",
	Short: "An ERC-3156 flash lender backed by a YieldSpace pool",
	Long: `flashlender lends the base reserve of a YieldSpace fixed-maturity pool as
flash loans. The fee is the cost of the round trip the loan implies on the
pool's curve: selling yield for the borrowed base and buying it back.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $"+config.EnvConfigFile+" or built-in defaults)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig reads .env, the config file and the --debug flag
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// setup loads the configuration, initializes logging and builds the node
func setup(cmd *cobra.Command, mutate func(*config.Config)) (*node.Node, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := utils.InitLogger(cfg.Debug, utils.LogFiles{Output: cfg.Log.File, Error: cfg.Log.ErrorFile})
	n, err := node.New(cmd.Context(), cfg, log)
	if err != nil {
		return nil, log, fmt.Errorf("failed to start node: %w", err)
	}
	return n, log, nil
}
