package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kaylacar/agent-door/internal/domain/adminkey"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an Argon2id hash for ADMIN_API_KEY",
	Long: `Generate an Argon2id hash of an admin API key.

Setting ADMIN_API_KEY to the hashed form keeps the plaintext key out of
the gateway's environment; callers still present the plaintext key.

Example:
  agent-door hash-key "my-secret-key"
  # Output: $argon2id$v=19$m=65536,t=1,p=...

Security note: the key will appear in shell history. Consider using an
environment variable:
  agent-door hash-key "$MY_ADMIN_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := adminkey.Hash(args[0])
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
