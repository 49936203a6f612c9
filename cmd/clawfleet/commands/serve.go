// Package commands – serve.go runs the fleet daemon: scheduler, bridges and
// signal handling.
package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/chat/discord"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/chat/whatsapp"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/driver"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleet"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet supervisor daemon",
		Long: `Starts the fleet: schedules fire, chat bridges connect, and jobs run
until the process receives SIGINT or SIGTERM. SIGHUP reloads the fleet
file in place.`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	m := fleet.New(cfg, driver.NewClaudeCLI(logger), logger)
	m.RegisterBridge(discord.New(m.Router(), m.Bus(), logger))
	m.RegisterBridge(whatsapp.New(m.Router(), m.Bus(), filepath.Join(cfg.StateDir, "whatsapp"), logger))

	if err := m.Initialize(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		return err
	}

	logger.Info("clawfleet serving", "config", cfg.Path, "agents", len(cfg.Agents))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		sig := <-sigs
		if sig == syscall.SIGHUP {
			if _, err := m.Reload(); err != nil {
				logger.Error("reload failed", "error", err)
			}
			continue
		}

		logger.Info("shutting down", "signal", sig.String())
		opts := fleet.DefaultStopOptions()
		opts.CancelOnTimeout = true
		return m.Stop(opts)
	}
}
