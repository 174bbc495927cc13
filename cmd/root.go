package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rebatelabs/rebatehook/utils"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "rebatehook",
	Short: "MEV capture and redistribution hook with a backrun keeper",
	Long: `rebatehook detects price dislocations between pool prices and an
external reference, captures a share of the arbitrage on each swap,
records backrun opportunities and runs a keeper loop that executes
them and redistributes the profit.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./rebatehook.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	utils.InitLogger(debug)
}
