// Package config loads and validates the declarative fleet description: the
// set of named agents, their engine options, schedules, hooks, and chat
// bindings. Loading produces an immutable ResolvedConfig; a successful reload
// replaces it wholesale, never mutates it.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/driver"
)

// FleetFile is the on-disk shape of clawfleet.yaml.
type FleetFile struct {
	// StateDir is where durable state lives. Relative paths resolve against
	// the config directory. Defaults to "state".
	StateDir string `yaml:"state_dir"`

	// Defaults are fleet-level agent defaults, shallow-merged into each
	// agent. Explicit agent values win.
	Defaults AgentDefaults `yaml:"defaults"`

	// Logging configures the slog handler for the serve command.
	Logging LoggingConfig `yaml:"logging"`

	// Scheduler configures the tick loop.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Chat configures cross-agent chat behavior.
	Chat ChatConfig `yaml:"chat"`

	// Agents lists agent declarations: either a string (path to an agent
	// YAML file, relative to the config directory) or an inline agent object.
	Agents []AgentRef `yaml:"agents"`
}

// AgentRef is either a file reference or an inline agent mapping.
type AgentRef struct {
	Path   string
	Inline *yaml.Node
}

// UnmarshalYAML accepts a scalar path or a full mapping.
func (r *AgentRef) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&r.Path)
	case yaml.MappingNode:
		r.Inline = node
		return nil
	default:
		return fmt.Errorf("agent entry must be a file path or a mapping (line %d)", node.Line)
	}
}

// AgentDefaults holds the fields that can be defaulted at fleet level.
type AgentDefaults struct {
	Model          string           `yaml:"model"`
	MaxTurns       int              `yaml:"max_turns"`
	PermissionMode string           `yaml:"permission_mode"`
	AllowedTools   []string         `yaml:"allowed_tools"`
	DeniedTools    []string         `yaml:"denied_tools"`
	SettingSources []string         `yaml:"setting_sources"`
	SystemPrompt   SystemPromptSpec `yaml:"system_prompt"`
	MaxConcurrent  int              `yaml:"max_concurrent"`
	DefaultPrompt  string           `yaml:"default_prompt"`
}

// LoggingConfig selects the log handler for the daemon.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Default: info.
	Level string `yaml:"level"`

	// Format is text or json. Default: text.
	Format string `yaml:"format"`
}

// SchedulerConfig configures the tick loop.
type SchedulerConfig struct {
	// CheckInterval is how often due schedules are evaluated. Default: 1s.
	CheckInterval time.Duration `yaml:"check_interval"`
}

// ChatConfig holds cross-agent chat settings.
type ChatConfig struct {
	// SessionMaxAge expires chat sessions not touched within this window.
	// Default: 72h.
	SessionMaxAge time.Duration `yaml:"session_max_age"`

	// MinSendInterval rate-limits outbound streaming replies. Default: 1s.
	MinSendInterval time.Duration `yaml:"min_send_interval"`
}

// Agent is one fully merged agent declaration.
type Agent struct {
	// Name uniquely identifies the agent. Restricted to the safe-identifier
	// character set (letters, digits, '_', '-', starting alphanumeric).
	Name string `yaml:"name"`

	// Description is shown in status output.
	Description string `yaml:"description"`

	// WorkingDir is where the engine runs. Accepts a plain string or a
	// {path: ...} mapping. Relative paths resolve against the config
	// directory; empty defaults to the config directory itself.
	WorkingDir WorkingDir `yaml:"working_directory"`

	Model          string           `yaml:"model"`
	MaxTurns       int              `yaml:"max_turns"`
	PermissionMode string           `yaml:"permission_mode"`
	AllowedTools   []string         `yaml:"allowed_tools"`
	DeniedTools    []string         `yaml:"denied_tools"`
	SettingSources []string         `yaml:"setting_sources"`
	SystemPrompt   SystemPromptSpec `yaml:"system_prompt"`

	// MCPServers maps server name → descriptor (http URL form or local
	// process form).
	MCPServers map[string]driver.MCPServer `yaml:"mcp_servers"`

	// DefaultPrompt is used when neither trigger options nor the schedule
	// carry a prompt.
	DefaultPrompt string `yaml:"default_prompt"`

	// MetadataFile is an optional path, relative to the working directory,
	// that the running agent may write arbitrary JSON into. Hooks read it.
	MetadataFile string `yaml:"metadata_file"`

	// MaxConcurrent caps simultaneously pending/running jobs. Default: 1.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Schedules maps schedule name → schedule.
	Schedules map[string]Schedule `yaml:"schedules"`

	// Hooks run around job execution.
	Hooks Hooks `yaml:"hooks"`

	// Chat holds per-bridge bindings.
	Chat AgentChat `yaml:"chat"`
}

// ScheduleType enumerates how a schedule fires.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleManual   ScheduleType = "manual"
	ScheduleChat     ScheduleType = "chat"
)

// Schedule is one firing rule for an agent.
type Schedule struct {
	// Type is interval, cron, manual or chat.
	Type ScheduleType `yaml:"type"`

	// Interval is a human duration ("30s", "1h30m"). Interval type only.
	Interval time.Duration `yaml:"interval"`

	// Expression is a standard 5-field cron expression. Cron type only.
	Expression string `yaml:"expression"`

	// Prompt is the prompt template used when this schedule fires.
	Prompt string `yaml:"prompt"`

	// OutputToFile mirrors the job's text output to jobs/<id>/output.log.
	OutputToFile bool `yaml:"output_to_file"`
}

// Hooks groups hook commands by stage.
type Hooks struct {
	BeforeRun []Hook `yaml:"before_run"`
	AfterRun  []Hook `yaml:"after_run"`
	OnError   []Hook `yaml:"on_error"`
}

// Hook is one user-defined external command.
type Hook struct {
	// Name identifies the hook in logs.
	Name string `yaml:"name"`

	// Command is run via the shell with the agent's working directory as cwd.
	Command string `yaml:"command"`

	// TimeoutMS bounds execution. Default: 30000.
	TimeoutMS int `yaml:"timeout_ms"`

	// ContinueOnError keeps the job's outcome unaffected by hook failure.
	// Default: true.
	ContinueOnError *bool `yaml:"continue_on_error"`

	// When is an optional boolean predicate over the hook context
	// (e.g. `event == "job:failed" && !success`). Empty always runs.
	When string `yaml:"when"`
}

// AgentChat holds per-bridge bindings for one agent.
type AgentChat struct {
	Discord  *DiscordBinding  `yaml:"discord"`
	WhatsApp *WhatsAppBinding `yaml:"whatsapp"`
}

// ChannelMode controls when a bound channel triggers the agent.
type ChannelMode string

const (
	// ModeMention acts only on explicit address.
	ModeMention ChannelMode = "mention"
	// ModeAuto acts on every message.
	ModeAuto ChannelMode = "auto"
)

// ChannelBinding binds one platform channel to the agent.
type ChannelBinding struct {
	ID   string      `yaml:"id"`
	Mode ChannelMode `yaml:"mode"`
}

// DiscordBinding configures the per-agent Discord connector (one bot
// identity per agent).
type DiscordBinding struct {
	Enabled bool `yaml:"enabled"`

	// Token is the bot token. Empty falls back to the OS keyring entry
	// clawfleet/discord_token:<agent>.
	Token string `yaml:"token"`

	Channels []ChannelBinding `yaml:"channels"`
}

// WhatsAppBinding configures this agent's slice of the shared WhatsApp
// connector. Channels are chat JIDs.
type WhatsAppBinding struct {
	Enabled  bool             `yaml:"enabled"`
	Channels []ChannelBinding `yaml:"channels"`
}

// WorkingDir accepts either a scalar path or a {path: ...} mapping.
type WorkingDir struct {
	Path string `yaml:"path"`
}

func (w *WorkingDir) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&w.Path)
	}
	type plain WorkingDir
	return node.Decode((*plain)(w))
}

// SystemPromptSpec accepts either a scalar prompt or a preset mapping
// {type: preset, preset: claude_code, append: ...}.
type SystemPromptSpec struct {
	driver.SystemPrompt
}

func (s *SystemPromptSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&s.Text)
	}
	var preset struct {
		Type   string `yaml:"type"`
		Preset string `yaml:"preset"`
		Append string `yaml:"append"`
	}
	if err := node.Decode(&preset); err != nil {
		return err
	}
	s.Preset = preset.Preset
	s.Append = preset.Append
	return nil
}

// ResolvedConfig is the immutable result of a successful load.
type ResolvedConfig struct {
	// Dir is the directory containing the fleet file.
	Dir string

	// Path is the fleet file itself.
	Path string

	StateDir  string
	Logging   LoggingConfig
	Scheduler SchedulerConfig
	Chat      ChatConfig

	// Agents is ordered as declared, fully merged, names unique.
	Agents []*Agent
}

// Agent returns the named agent, or nil.
func (c *ResolvedConfig) Agent(name string) *Agent {
	for _, a := range c.Agents {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// EffectiveCheckInterval returns the tick interval with the default applied.
func (c *ResolvedConfig) EffectiveCheckInterval() time.Duration {
	if c.Scheduler.CheckInterval > 0 {
		return c.Scheduler.CheckInterval
	}
	return time.Second
}

// EffectiveSessionMaxAge returns the session expiry window with the default
// applied.
func (c *ResolvedConfig) EffectiveSessionMaxAge() time.Duration {
	if c.Chat.SessionMaxAge > 0 {
		return c.Chat.SessionMaxAge
	}
	return 72 * time.Hour
}

// EffectiveMaxConcurrent returns an agent's concurrency cap with the default
// of 1 applied.
func (a *Agent) EffectiveMaxConcurrent() int {
	if a.MaxConcurrent > 0 {
		return a.MaxConcurrent
	}
	return 1
}

// ContinueOnErrorOrDefault applies the hook default of true.
func (h Hook) ContinueOnErrorOrDefault() bool {
	if h.ContinueOnError == nil {
		return true
	}
	return *h.ContinueOnError
}
