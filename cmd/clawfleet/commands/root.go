// Package commands implements the clawfleet CLI using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/driver"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleet"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawfleet",
		Short: "clawfleet - supervisor for a fleet of autonomous agents",
		Long: `clawfleet supervises a fleet of autonomous LLM agents: schedules,
job execution with durable output, lifecycle hooks, and chat bridges
(Discord, WhatsApp).

Examples:
  clawfleet serve
  clawfleet trigger writer --prompt "Summarize today's commits"
  clawfleet status
  clawfleet jobs list --agent writer
  clawfleet logs job-2026-08-24-a1b2c3d4 --follow`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newTriggerCmd(),
		newStatusCmd(),
		newJobsCmd(),
		newLogsCmd(),
		newValidateCmd(),
		newConsoleCmd(),
		newDiscordCmd(),
		newWhatsAppCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to clawfleet.yaml (default: search upward from cwd)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig reads the fleet file honoring the global --config flag.
func loadConfig(cmd *cobra.Command) (*config.ResolvedConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// newLogger builds the process logger from config plus the --verbose flag.
func newLogger(cmd *cobra.Command, cfg *config.ResolvedConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// newManager wires a one-shot manager for CLI commands that run without the
// daemon.
func newManager(cmd *cobra.Command) (*fleet.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg)
	m := fleet.New(cfg, driver.NewClaudeCLI(logger), logger)
	if err := m.Initialize(); err != nil {
		return nil, err
	}
	return m, nil
}
