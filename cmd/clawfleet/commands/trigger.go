// Package commands – trigger.go runs one agent immediately and prints the
// final output.
package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleet"
)

func newTriggerCmd() *cobra.Command {
	var (
		prompt   string
		schedule string
		force    bool
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "trigger <agent>",
		Short: "Run an agent now and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}

			res, err := m.Trigger(cmd.Context(), args[0], schedule, fleet.TriggerOptions{
				Prompt:            prompt,
				BypassConcurrency: force,
			})
			if err != nil {
				return err
			}

			if !quiet {
				fmt.Printf("Job:      %s\n", res.JobID)
				fmt.Printf("Status:   %s\n", res.Status)
				fmt.Printf("Duration: %s\n", (time.Duration(res.DurationMS) * time.Millisecond).Round(time.Millisecond))
				if res.SessionID != "" {
					fmt.Printf("Session:  %s\n", res.SessionID)
				}
				fmt.Println()
			}

			if !res.Success() {
				if res.ErrorDetails != nil {
					return fmt.Errorf("job %s: %w", res.Status, res.ErrorDetails)
				}
				return fmt.Errorf("job finished with status %s", res.Status)
			}

			fmt.Println(res.FinalOutput)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "override the prompt for this run")
	cmd.Flags().StringVarP(&schedule, "schedule", "s", "", "run with a named schedule's prompt and output settings")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the agent's max_concurrent cap")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the final output")
	return cmd
}
