// Package cmd implements the orchard CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "orchard",
	Short: "File-system-driven agent orchestrator for a Markdown vault",
	Long: `orchard watches a Markdown vault, matches file events against a
declarative catalog of agents, and dispatches matching work to external
CLI tools under a two-level concurrency limit.

Every execution leaves a durable task file in the vault, so queued and
interrupted work survives restarts.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("vault", ".", "vault root directory")
}

// fatal prints an error and exits with the given code.
func fatal(code int, msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(code)
}
