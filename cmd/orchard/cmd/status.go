package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/orchard-sh/orchard/internal/agent"
	"github.com/orchard-sh/orchard/internal/config"
	"github.com/orchard-sh/orchard/internal/ledger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the vault's agent catalog and task counts",
	Run: func(cmd *cobra.Command, args []string) {
		vaultFlag, _ := cmd.Flags().GetString("vault")
		vaultRoot, err := filepath.Abs(vaultFlag)
		if err != nil {
			fatal(1, "resolving vault path %q: %v", vaultFlag, err)
		}

		// Agent-load warnings are irrelevant noise for a status listing.
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

		cfg, err := config.Load(filepath.Join(vaultRoot, config.FileName))
		switch {
		case errors.Is(err, config.ErrNotFound):
			cfg = config.Empty()
		case err != nil:
			fatal(1, "%v", err)
		}

		reg := agent.Load(cfg, vaultRoot, log)

		fmt.Printf("Vault: %s\n", vaultRoot)
		fmt.Printf("Agents: %d\n", reg.Len())
		for _, def := range reg.Agents() {
			category := def.Category
			if category == "" {
				category = "uncategorized"
			}
			fmt.Printf("  [%s] %s (%s)\n", def.Abbreviation, def.DisplayName, category)
		}

		tasksDir := filepath.Join(vaultRoot, cfg.Orchestrator.TasksDir)
		if _, err := os.Stat(tasksDir); err == nil {
			counts := ledger.New(tasksDir, log).Counts()
			fmt.Printf("Tasks: %d queued, %d in progress, %d processed, %d failed\n",
				counts[ledger.StatusQueued],
				counts[ledger.StatusInProgress],
				counts[ledger.StatusProcessed],
				counts[ledger.StatusFailed],
			)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
