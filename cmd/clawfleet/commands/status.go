// Package commands – status.go prints the fleet snapshot.
package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet, agent and schedule state",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}

			status, err := m.Status()
			if err != nil {
				return err
			}

			if !status.StartedAt.IsZero() {
				fmt.Printf("Fleet started: %s\n", status.StartedAt.Format(time.RFC3339))
			}
			if status.StoppedAt != nil {
				fmt.Printf("Fleet stopped: %s\n", status.StoppedAt.Format(time.RFC3339))
			}
			fmt.Println()

			for _, agent := range status.Agents {
				fmt.Printf("agent %s\n", agent.Name)
				if agent.Description != "" {
					fmt.Printf("  %s\n", agent.Description)
				}
				fmt.Printf("  active jobs: %d\n", agent.ActiveJobs)
				if agent.LastJob != nil {
					fmt.Printf("  last job:    %s (%s)\n", agent.LastJob.ID, agent.LastJob.Status)
				}

				names := make([]string, 0, len(agent.Schedules))
				for name := range agent.Schedules {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					ss := agent.Schedules[name]
					line := fmt.Sprintf("  schedule %s: %s", name, ss.Status)
					if ss.LastRunAt != nil {
						line += fmt.Sprintf(", last run %s", ss.LastRunAt.Format(time.RFC3339))
					}
					if ss.NextRunAt != nil {
						line += fmt.Sprintf(", next run %s", ss.NextRunAt.Format(time.RFC3339))
					}
					fmt.Println(line)
					if ss.LastError != "" {
						fmt.Printf("    last error: %s\n", ss.LastError)
					}
				}
				fmt.Println()
			}
			return nil
		},
	}
	return cmd
}
