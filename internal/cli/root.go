// Package cli holds the salesledger command tree.
package cli

import (
	"github.com/spf13/cobra"

	"salesledger/backend/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "salesledger",
	Short: "Credit-package ledger and commission engine",
	Long: `salesledger records sales of services and credit packages, keeps each
client's package balance consistent with its grant and consumption history,
and computes attendant commissions from date-effective policies.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
}

func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}
