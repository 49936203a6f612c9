// Package commands – console.go is an interactive operator console: trigger
// agents, inspect jobs and tail output without leaving the prompt.
package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleet"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/state"
)

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive console for the fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager(cmd)
			if err != nil {
				return err
			}
			return runConsole(cmd, m)
		},
	}
	return cmd
}

func runConsole(cmd *cobra.Command, m *fleet.Manager) error {
	historyFile := filepath.Join(os.TempDir(), "clawfleet_console_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "clawfleet> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("starting console: %w", err)
	}
	defer rl.Close()

	fmt.Println("clawfleet console. Type 'help' for commands, 'exit' to leave.")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "exit", "quit":
			return nil
		case "help":
			consoleHelp()
		case "agents":
			for _, agent := range m.Config().Agents {
				fmt.Printf("  %s  %s\n", agent.Name, agent.Description)
			}
		case "trigger":
			consoleTrigger(cmd, m, fields[1:])
		case "jobs":
			consoleJobs(m, fields[1:])
		case "logs":
			consoleLogs(m, fields[1:])
		case "cancel":
			consoleCancel(m, fields[1:])
		case "fork":
			consoleFork(cmd, m, fields[1:])
		case "reload":
			if changes, err := m.Reload(); err != nil {
				fmt.Printf("reload failed: %v\n", err)
			} else {
				fmt.Printf("reloaded, %d changes\n", len(changes))
				for _, ch := range changes {
					fmt.Printf("  %s\n", ch.String())
				}
			}
		default:
			fmt.Printf("unknown command %q, try 'help'\n", fields[0])
		}
	}
}

func consoleHelp() {
	fmt.Print(`Commands:
  agents                     list configured agents
  trigger <agent> [prompt]   run an agent now
  jobs [agent]               list recent jobs
  logs <job-id>              print a job's output
  cancel <job-id>            cancel a running job
  fork <job-id> [prompt]     continue a finished job's session
  reload                     re-read the fleet file
  exit                       leave the console
`)
}

func consoleTrigger(cmd *cobra.Command, m *fleet.Manager, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: trigger <agent> [prompt]")
		return
	}
	prompt := strings.Join(args[1:], " ")

	res, err := m.Trigger(cmd.Context(), args[0], "", fleet.TriggerOptions{Prompt: prompt})
	if err != nil {
		fmt.Printf("trigger failed: %v\n", err)
		return
	}
	fmt.Printf("job %s finished: %s\n", res.JobID, res.Status)
	if res.FinalOutput != "" {
		fmt.Println(res.FinalOutput)
	}
}

func consoleJobs(m *fleet.Manager, args []string) {
	filter := state.JobFilter{Limit: 10}
	if len(args) > 0 {
		filter.AgentName = args[0]
	}
	jobs, err := m.Store().ListJobs(filter)
	if err != nil {
		fmt.Printf("list failed: %v\n", err)
		return
	}
	for _, job := range jobs {
		fmt.Printf("  %s  %-9s  %s\n", job.ID, job.Status, job.AgentName)
	}
}

func consoleLogs(m *fleet.Manager, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: logs <job-id>")
		return
	}
	records, err := m.Store().ReadJobOutput(args[0])
	if err != nil {
		fmt.Printf("read failed: %v\n", err)
		return
	}
	for _, rec := range records {
		printRecord(rec, false)
	}
}

func consoleCancel(m *fleet.Manager, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: cancel <job-id>")
		return
	}
	term, err := m.CancelJob(args[0], 10*time.Second)
	if err != nil {
		fmt.Printf("cancel failed: %v\n", err)
		return
	}
	fmt.Printf("job %s: %s\n", args[0], term)
}

func consoleFork(cmd *cobra.Command, m *fleet.Manager, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: fork <job-id> [prompt]")
		return
	}
	res, err := m.ForkJob(cmd.Context(), args[0], strings.Join(args[1:], " "))
	if err != nil {
		fmt.Printf("fork failed: %v\n", err)
		return
	}
	fmt.Printf("job %s finished: %s\n", res.JobID, res.Status)
	if res.FinalOutput != "" {
		fmt.Println(res.FinalOutput)
	}
}
