// Package cmd provides the CLI commands for Agent Door.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agent-door",
	Short: "Agent Door - agent protocol gateway for HTTP/JSON APIs",
	Long: `Agent Door is a multi-tenant gateway that turns any OpenAPI-described
HTTP API into an agent-discoverable capability surface.

Register a site by pointing the gateway at its OpenAPI descriptor; the
gateway compiles the spec into capabilities and mounts them under
/<slug>/.well-known/agents/... with session and rate limit handling.

Configuration:
  Config is loaded from agent-door.yaml in the current directory,
  $HOME/.agent-door/, or /etc/agent-door/. Environment variables
  (PORT, ADMIN_API_KEY, BASE_URL, CORS_ORIGINS, TRUSTED_PROXY,
  MAX_REGISTRATIONS, FETCH_TIMEOUT_MS, DATA_DIR, LOG_LEVEL)
  override file values.

Commands:
  serve       Start the gateway
  hash-key    Generate an Argon2id hash for ADMIN_API_KEY
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./agent-door.yaml)")
}
