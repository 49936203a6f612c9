// Package commands – validate.go checks the fleet file without starting
// anything. Exit code 2 distinguishes a validation failure from an IO error.
package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
)

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the fleet file and report every issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				var verr *config.ValidationError
				if errors.As(err, &verr) {
					fmt.Fprintln(os.Stderr, "Invalid fleet file:")
					for _, issue := range verr.Issues {
						fmt.Fprintf(os.Stderr, "  - %s\n", issue)
					}
					os.Exit(2)
				}
				return err
			}

			fmt.Printf("OK: %s\n", cfg.Path)
			fmt.Printf("  agents: %d\n", len(cfg.Agents))
			for _, agent := range cfg.Agents {
				fmt.Printf("  - %s (%d schedules)\n", agent.Name, len(agent.Schedules))
			}
			return nil
		},
	}
	return cmd
}
