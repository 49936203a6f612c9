// Package config – diff.go computes the change list between two resolved
// configs, emitted with the config:reloaded event.
package config

import (
	"fmt"
	"slices"
)

// ChangeType classifies one diff entry.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// ChangeCategory says what kind of object changed.
type ChangeCategory string

const (
	CategoryAgent    ChangeCategory = "agent"
	CategorySchedule ChangeCategory = "schedule"
)

// Change is one entry in a reload diff. Schedule names are qualified as
// "<agent>/<schedule>".
type Change struct {
	Type     ChangeType
	Category ChangeCategory
	Name     string
	Details  string
}

func (c Change) String() string {
	if c.Details != "" {
		return fmt.Sprintf("%s %s %s (%s)", c.Type, c.Category, c.Name, c.Details)
	}
	return fmt.Sprintf("%s %s %s", c.Type, c.Category, c.Name)
}

// Diff compares old and new configs. Agent modification is detected over the
// closed field set {description, model, max_turns, system_prompt,
// working_directory, max_concurrent}; schedule modification over {type,
// interval, expression, prompt}. An added/removed agent also contributes one
// schedule entry per schedule it carries.
func Diff(oldCfg, newCfg *ResolvedConfig) []Change {
	var changes []Change

	oldAgents := make(map[string]*Agent, len(oldCfg.Agents))
	for _, a := range oldCfg.Agents {
		oldAgents[a.Name] = a
	}
	newAgents := make(map[string]*Agent, len(newCfg.Agents))
	for _, a := range newCfg.Agents {
		newAgents[a.Name] = a
	}

	for _, a := range newCfg.Agents {
		old, ok := oldAgents[a.Name]
		if !ok {
			changes = append(changes, Change{Type: ChangeAdded, Category: CategoryAgent, Name: a.Name})
			for _, sname := range sortedScheduleNames(a) {
				changes = append(changes, Change{
					Type: ChangeAdded, Category: CategorySchedule,
					Name: a.Name + "/" + sname,
				})
			}
			continue
		}

		if details := agentFieldDiff(old, a); details != "" {
			changes = append(changes, Change{
				Type: ChangeModified, Category: CategoryAgent,
				Name: a.Name, Details: details,
			})
		}
		changes = append(changes, scheduleDiff(old, a)...)
	}

	for _, a := range oldCfg.Agents {
		if _, ok := newAgents[a.Name]; ok {
			continue
		}
		changes = append(changes, Change{Type: ChangeRemoved, Category: CategoryAgent, Name: a.Name})
		for _, sname := range sortedScheduleNames(a) {
			changes = append(changes, Change{
				Type: ChangeRemoved, Category: CategorySchedule,
				Name: a.Name + "/" + sname,
			})
		}
	}

	return changes
}

// agentFieldDiff compares the closed agent field set and describes what
// changed.
func agentFieldDiff(old, new *Agent) string {
	var parts []string
	addDiff := func(field, before, after string) {
		if before != after {
			parts = append(parts, fmt.Sprintf("%s: %s → %s", field, orDash(before), orDash(after)))
		}
	}

	addDiff("description", old.Description, new.Description)
	addDiff("model", old.Model, new.Model)
	addDiff("max_turns", fmt.Sprint(old.MaxTurns), fmt.Sprint(new.MaxTurns))
	addDiff("system_prompt", systemPromptKey(old), systemPromptKey(new))
	addDiff("working_directory", old.WorkingDir.Path, new.WorkingDir.Path)
	addDiff("max_concurrent", fmt.Sprint(old.EffectiveMaxConcurrent()), fmt.Sprint(new.EffectiveMaxConcurrent()))

	if len(parts) == 0 {
		return ""
	}
	result := parts[0]
	for _, p := range parts[1:] {
		result += "; " + p
	}
	return result
}

func systemPromptKey(a *Agent) string {
	if a.SystemPrompt.Text != "" {
		return a.SystemPrompt.Text
	}
	if a.SystemPrompt.Preset != "" {
		return "preset:" + a.SystemPrompt.Preset + "+" + a.SystemPrompt.Append
	}
	return ""
}

func scheduleDiff(old, new *Agent) []Change {
	var changes []Change

	for _, name := range sortedScheduleNames(new) {
		ns := new.Schedules[name]
		os, ok := old.Schedules[name]
		qualified := new.Name + "/" + name
		if !ok {
			changes = append(changes, Change{Type: ChangeAdded, Category: CategorySchedule, Name: qualified})
			continue
		}
		if details := scheduleFieldDiff(os, ns); details != "" {
			changes = append(changes, Change{
				Type: ChangeModified, Category: CategorySchedule,
				Name: qualified, Details: details,
			})
		}
	}

	for _, name := range sortedScheduleNames(old) {
		if _, ok := new.Schedules[name]; !ok {
			changes = append(changes, Change{
				Type: ChangeRemoved, Category: CategorySchedule,
				Name: old.Name + "/" + name,
			})
		}
	}
	return changes
}

func scheduleFieldDiff(old, new Schedule) string {
	var parts []string
	addDiff := func(field, before, after string) {
		if before != after {
			parts = append(parts, fmt.Sprintf("%s: %s → %s", field, orDash(before), orDash(after)))
		}
	}

	addDiff("type", string(old.Type), string(new.Type))
	addDiff("interval", durationKey(old), durationKey(new))
	addDiff("expression", old.Expression, new.Expression)
	addDiff("prompt", old.Prompt, new.Prompt)

	if len(parts) == 0 {
		return ""
	}
	result := parts[0]
	for _, p := range parts[1:] {
		result += "; " + p
	}
	return result
}

func durationKey(s Schedule) string {
	if s.Interval == 0 {
		return ""
	}
	return s.Interval.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func sortedScheduleNames(a *Agent) []string {
	names := make([]string, 0, len(a.Schedules))
	for name := range a.Schedules {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
