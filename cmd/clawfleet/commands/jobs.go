// Package commands – jobs.go lists, cancels and forks jobs.
package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/state"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage jobs",
	}
	cmd.AddCommand(newJobsListCmd(), newJobsCancelCmd(), newJobsForkCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	var (
		agent  string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}

			jobs, err := m.Store().ListJobs(state.JobFilter{
				AgentName: agent,
				Status:    state.JobStatus(status),
				Limit:     limit,
			})
			if err != nil {
				return err
			}

			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}

			for _, job := range jobs {
				line := fmt.Sprintf("%s  %-9s  %-8s  %s",
					job.ID, job.Status, job.TriggerType, job.AgentName)
				if job.ScheduleName != "" {
					line += fmt.Sprintf("  (%s)", job.ScheduleName)
				}
				fmt.Println(line)
				if job.FinishedAt != nil {
					fmt.Printf("    finished %s (%s)\n",
						job.FinishedAt.Format(time.RFC3339),
						job.FinishedAt.Sub(job.CreatedAt).Round(time.Second))
				}
				if job.Error != "" {
					fmt.Printf("    error: %s\n", job.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&agent, "agent", "a", "", "filter by agent name")
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum jobs to show")
	return cmd
}

func newJobsCancelCmd() *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}

			term, err := m.CancelJob(args[0], grace)
			if err != nil {
				return err
			}
			fmt.Printf("Job %s: %s\n", args[0], term)
			return nil
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "how long to wait for a graceful stop")
	return cmd
}

func newJobsForkCmd() *cobra.Command {
	var prompt string

	cmd := &cobra.Command{
		Use:   "fork <job-id>",
		Short: "Start a new job continuing a finished job's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}

			res, err := m.ForkJob(cmd.Context(), args[0], prompt)
			if err != nil {
				return err
			}

			fmt.Printf("Job:    %s (forked from %s)\n", res.JobID, args[0])
			fmt.Printf("Status: %s\n\n", res.Status)
			if !res.Success() && res.ErrorDetails != nil {
				return fmt.Errorf("job %s: %w", res.Status, res.ErrorDetails)
			}
			fmt.Println(res.FinalOutput)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt for the forked run")
	return cmd
}
