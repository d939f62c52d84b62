package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/filtergate/internal/config"
)

var validateQuiet bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load the configuration the same way "start" does, validate it, and
print the effective settings (defaults and environment overrides applied).

Examples:
  filtergate validate
  filtergate --config /etc/filtergate/filtergate.yaml validate --quiet`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVarP(&validateQuiet, "quiet", "q", false, "only report whether the config is valid")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	return printConfig(cmd, cfg, config.ConfigFileUsed(), validateQuiet)
}

func printConfig(cmd *cobra.Command, cfg *config.GatewayConfig, file string, quiet bool) error {
	out := cmd.OutOrStdout()
	if file == "" {
		file = "(environment only)"
	}
	fmt.Fprintf(out, "config OK: %s, %d route(s)\n", file, len(cfg.Routes))
	if quiet {
		return nil
	}

	redacted := *cfg
	if redacted.Server.AdminToken != "" {
		redacted.Server.AdminToken = "[redacted]"
	}
	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = out.Write(data)
	return err
}
