package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/filtergate/internal/domain/auth"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an API key for use in config",
	Long: `Hash an API key for the auth.api_keys.key_hash field.

The default output is an Argon2id PHC string. Pass --sha256 for the
legacy "sha256:<hex>" format, which is faster to verify but unsalted.

Example:
  filtergate hash-key "my-secret-api-key"
  # Output: $argon2id$v=19$m=47104,t=1,p=1$...

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  filtergate hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := hashAPIKey(args[0], hashKeySHA256)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "emit a sha256:<hex> hash instead of argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}

func hashAPIKey(key string, legacy bool) (string, error) {
	if key == "" {
		return "", fmt.Errorf("api key must not be empty")
	}
	if legacy {
		return "sha256:" + auth.HashKey(key), nil
	}
	hash, err := auth.HashKeyArgon2id(key)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return hash, nil
}
