// Package cmd provides the CLI commands for filtergate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/filtergate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "filtergate",
	Short: "filtergate - filter-chain HTTP gateway",
	Long: `filtergate serves HTTP routes through chains of asynchronous filters.

Every request is wrapped by the access audit filter, which records exactly
one audit event per request: method, path, status, identity, timing and
the transaction ID.

Quick start:
  1. Create a config file: filtergate.yaml
  2. Run: filtergate start

Configuration:
  Config is loaded from filtergate.yaml in the current directory,
  $HOME/.filtergate/, or /etc/filtergate/.

  Environment variables can override scalar config values with the
  FILTERGATE_ prefix.
  Example: FILTERGATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the gateway
  stop        Stop the running gateway
  validate    Validate the config and print the effective settings
  hash-key    Hash an API key for auth.api_keys
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./filtergate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
