// Package main is the flagkit command.
//
// flagkit serve runs a flag client from environment configuration and exposes
// it to local processes over HTTP. The remaining subcommands are operator
// tooling: one-shot evaluation, cache listing, database migrations, sidecar
// token hashing and request signing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/matt-riley/flagkit/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:   "flagkit",
		Short: "Feature flag client sidecar and tooling",
		Long: `flagkit evaluates feature flags from a local cache kept in sync with the
flag service, and serves them to other processes over HTTP.

Configuration is read from FLAGKIT_* environment variables and an optional
.env file.

Examples:
  flagkit serve
  flagkit eval user-42 new_checkout --segment plan=premium
  flagkit flags --format yaml
  flagkit migrate
  flagkit hash-token --token "$SIDECAR_TOKEN"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load instead of ./.env")

	root.AddCommand(
		newServeCmd(&envFile),
		newEvalCmd(&envFile),
		newFlagsCmd(&envFile),
		newMigrateCmd(&envFile),
		newHashTokenCmd(),
		newSignCmd(),
	)
	return root
}

func loadSettings(envFile string) (config.Settings, error) {
	s, err := config.Load(envFiles(envFile)...)
	if err != nil {
		return config.Settings{}, fmt.Errorf("load config: %w", err)
	}
	return s, nil
}

func envFiles(envFile string) []string {
	if envFile == "" {
		return nil
	}
	return []string{envFile}
}
