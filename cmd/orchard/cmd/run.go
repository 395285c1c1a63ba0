package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/orchard-sh/orchard/internal/agent"
	"github.com/orchard-sh/orchard/internal/config"
	"github.com/orchard-sh/orchard/internal/orchestrator"
	"github.com/orchard-sh/orchard/internal/watch"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator daemon",
	Long: `Start watching the vault and dispatching agents.

Runs in the foreground until interrupted. Exit codes: 0 on graceful
shutdown, 1 on configuration error, 2 on unrecoverable runtime error.`,
	Run: func(cmd *cobra.Command, args []string) {
		vaultFlag, _ := cmd.Flags().GetString("vault")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
		verbose, _ := cmd.Flags().GetBool("verbose")

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		vaultRoot, err := filepath.Abs(vaultFlag)
		if err != nil {
			fatal(1, "resolving vault path %q: %v", vaultFlag, err)
		}

		// Executor CLIs need provider credentials; a vault-level .env is
		// the conventional place for them. Absent file is fine.
		if err := godotenv.Load(filepath.Join(vaultRoot, ".env")); err == nil {
			log.Debug("loaded .env", "vault", vaultRoot)
		}

		cfg, err := config.Load(filepath.Join(vaultRoot, config.FileName))
		switch {
		case errors.Is(err, config.ErrNotFound):
			log.Warn("no orchestrator.yaml found, running with zero agents", "vault", vaultRoot)
			cfg = config.Empty()
		case err != nil:
			fatal(1, "%v", err)
		}
		if maxConcurrent > 0 {
			cfg.Orchestrator.MaxConcurrent = maxConcurrent
		}

		reg := agent.Load(cfg, vaultRoot, log)

		excludes := []string{
			cfg.Orchestrator.TasksDir,
			cfg.Orchestrator.LogsDir,
			cfg.Orchestrator.PromptsDir,
		}
		source, err := watch.New(vaultRoot, excludes, log)
		if err != nil {
			fatal(2, "creating file watcher: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		orch := orchestrator.New(cfg, vaultRoot, reg, source, log)
		if err := orch.Run(ctx); err != nil {
			fatal(2, "%v", err)
		}
	},
}

func init() {
	runCmd.Flags().Int("max-concurrent", 0, "override max concurrent executions")
	runCmd.Flags().Bool("verbose", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}
