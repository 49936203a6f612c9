// Package config – validate.go enforces the fleet schema: safe agent names,
// unique names, coherent schedules, and well-formed engine options.
package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/driver"
	"github.com/jholhewres/clawfleet/pkg/clawfleet/state"
)

// Issue is one validation finding.
type Issue struct {
	// Path locates the offending field, e.g. "agents.writer.schedules.tick.interval".
	Path string

	// Message explains what is wrong.
	Message string

	// Value is the offending value, when useful.
	Value string
}

func (i Issue) String() string {
	if i.Value != "" {
		return fmt.Sprintf("%s: %s (got %q)", i.Path, i.Message, i.Value)
	}
	return fmt.Sprintf("%s: %s", i.Path, i.Message)
}

// ValidationError aggregates all issues found in one pass.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return "config validation failed:\n  " + strings.Join(parts, "\n  ")
}

var permissionModes = map[string]bool{
	string(driver.PermissionDefault):     true,
	string(driver.PermissionAcceptEdits): true,
	string(driver.PermissionBypass):      true,
	string(driver.PermissionPlan):        true,
	string(driver.PermissionDelegate):    true,
	string(driver.PermissionDontAsk):     true,
}

// Validate checks a resolved config. Returns *ValidationError with every
// issue found, or nil.
func Validate(cfg *ResolvedConfig) error {
	var issues []Issue
	add := func(path, message, value string) {
		issues = append(issues, Issue{Path: path, Message: message, Value: value})
	}

	seen := make(map[string]bool)
	for i, agent := range cfg.Agents {
		prefix := fmt.Sprintf("agents.%s", agent.Name)
		if agent.Name == "" {
			prefix = fmt.Sprintf("agents[%d]", i)
		}

		if !state.ValidIdentifier(agent.Name) {
			add(prefix+".name", "must match [A-Za-z0-9][A-Za-z0-9_-]*", agent.Name)
		} else if seen[agent.Name] {
			add(prefix+".name", "duplicate agent name", agent.Name)
		}
		seen[agent.Name] = true

		if agent.MaxConcurrent < 0 {
			add(prefix+".max_concurrent", "must be >= 0", fmt.Sprint(agent.MaxConcurrent))
		}
		if agent.MaxTurns < 0 {
			add(prefix+".max_turns", "must be >= 0", fmt.Sprint(agent.MaxTurns))
		}
		if agent.PermissionMode != "" && !permissionModes[agent.PermissionMode] {
			add(prefix+".permission_mode", "unknown permission mode", agent.PermissionMode)
		}
		if agent.SystemPrompt.Text != "" && agent.SystemPrompt.Preset != "" {
			add(prefix+".system_prompt", "text and preset are mutually exclusive", "")
		}
		if agent.MetadataFile != "" && strings.Contains(agent.MetadataFile, "..") {
			add(prefix+".metadata_file", "must not traverse outside the working directory", agent.MetadataFile)
		}

		for name, server := range agent.MCPServers {
			spath := prefix + ".mcp_servers." + name
			switch {
			case server.Type == "http":
				if server.URL == "" {
					add(spath, "http server requires url", "")
				}
			case server.Type == "":
				if server.Command == "" {
					add(spath, "process server requires command", "")
				}
			default:
				add(spath+".type", "must be \"http\" or omitted", server.Type)
			}
		}

		for name, sched := range agent.Schedules {
			spath := prefix + ".schedules." + name
			if !state.ValidIdentifier(name) {
				add(spath, "schedule name must match [A-Za-z0-9][A-Za-z0-9_-]*", name)
			}
			validateSchedule(spath, sched, add)
		}

		validateHooks(prefix+".hooks.before_run", agent.Hooks.BeforeRun, add)
		validateHooks(prefix+".hooks.after_run", agent.Hooks.AfterRun, add)
		validateHooks(prefix+".hooks.on_error", agent.Hooks.OnError, add)

		if d := agent.Chat.Discord; d != nil && d.Enabled && len(d.Channels) == 0 {
			add(prefix+".chat.discord.channels", "at least one channel binding required", "")
		}
		if w := agent.Chat.WhatsApp; w != nil && w.Enabled && len(w.Channels) == 0 {
			add(prefix+".chat.whatsapp.channels", "at least one channel binding required", "")
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func validateSchedule(path string, sched Schedule, add func(path, message, value string)) {
	switch sched.Type {
	case ScheduleInterval:
		if sched.Interval <= 0 {
			add(path+".interval", "interval schedules require a positive duration", sched.Interval.String())
		}
		if sched.Expression != "" {
			add(path+".expression", "expression is cron-only", sched.Expression)
		}
	case ScheduleCron:
		if sched.Expression == "" {
			add(path+".expression", "cron schedules require an expression", "")
		} else if _, err := cron.ParseStandard(sched.Expression); err != nil {
			add(path+".expression", "invalid cron expression: "+err.Error(), sched.Expression)
		}
		if sched.Interval != 0 {
			add(path+".interval", "interval is interval-only", sched.Interval.String())
		}
	case ScheduleManual, ScheduleChat:
		if sched.Interval != 0 || sched.Expression != "" {
			add(path, fmt.Sprintf("%s schedules take no interval or expression", sched.Type), "")
		}
	case "":
		add(path+".type", "schedule type is required", "")
	default:
		add(path+".type", "must be interval, cron, manual or chat", string(sched.Type))
	}
}

func validateHooks(path string, hooks []Hook, add func(path, message, value string)) {
	for i, h := range hooks {
		hpath := fmt.Sprintf("%s[%d]", path, i)
		if h.Command == "" {
			add(hpath+".command", "hook command is required", "")
		}
		if h.TimeoutMS < 0 {
			add(hpath+".timeout_ms", "must be >= 0", fmt.Sprint(h.TimeoutMS))
		}
	}
}
