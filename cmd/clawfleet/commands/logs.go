// Package commands – logs.go prints a job's output log or, without a job id,
// streams the fleet's live log entries with agent and level filtering.
package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/fleet"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/state"
)

func newLogsCmd() *cobra.Command {
	var (
		follow bool
		raw    bool
		agent  string
		level  string
	)

	cmd := &cobra.Command{
		Use:   "logs [job-id]",
		Short: "Show a job's output log, or stream fleet log entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch level {
			case "", "debug", "info", "warn", "error":
			default:
				return fmt.Errorf("unknown log level %q", level)
			}

			m, err := newManager(cmd)
			if err != nil {
				return err
			}

			if len(args) == 0 {
				entries, stop := m.StreamLogs(cmd.Context(), fleet.LogFilter{
					AgentName: agent,
					MinLevel:  level,
				})
				defer stop()

				for entry := range entries {
					printLogEntry(entry, raw)
				}
				return nil
			}
			jobID := args[0]

			if !follow {
				records, err := m.Store().ReadJobOutput(jobID)
				if err != nil {
					return err
				}
				for _, rec := range records {
					printRecord(rec, raw)
				}
				return nil
			}

			records, stop, err := m.StreamJobOutput(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			defer stop()

			for rec := range records {
				printRecord(rec, raw)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming until the job finishes")
	cmd.Flags().BoolVar(&raw, "raw", false, "print raw JSONL records")
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "only entries for this agent (entry stream)")
	cmd.Flags().StringVarP(&level, "level", "l", "", "minimum level: debug, info, warn, error (entry stream)")
	return cmd
}

// printLogEntry renders one fleet log entry. Raw mode emits it as JSON.
func printLogEntry(entry fleet.LogEntry, raw bool) {
	if raw {
		if data, err := json.Marshal(entry); err == nil {
			fmt.Println(string(data))
		}
		return
	}

	line := fmt.Sprintf("%s [%s] %s: %s",
		entry.Timestamp.Format("15:04:05"), strings.ToUpper(entry.Level), entry.Source, entry.Message)
	if entry.AgentName != "" {
		line += " agent=" + entry.AgentName
	}
	if entry.JobID != "" {
		line += " job=" + entry.JobID
	}
	fmt.Println(line)
}

// printRecord renders one output record. Raw mode emits the stored line
// verbatim; the default mode extracts assistant text and flags everything
// else by type.
func printRecord(rec state.OutputRecord, raw bool) {
	if raw {
		fmt.Println(string(rec.Raw))
		return
	}

	switch rec.Type {
	case "assistant":
		if text := assistantText(rec.Raw); text != "" {
			fmt.Println(text)
		}
	default:
		fmt.Printf("[%s]\n", rec.Type)
	}
}

// assistantText pulls the concatenated text blocks out of a raw assistant
// record.
func assistantText(raw []byte) string {
	var rec struct {
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ""
	}
	out := ""
	for _, block := range rec.Message.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += block.Text
	}
	return out
}
