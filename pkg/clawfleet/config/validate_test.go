package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/driver"
)

// validateIssues runs Validate and returns the flattened issue paths.
func validateIssues(t *testing.T, cfg *ResolvedConfig) []string {
	t.Helper()
	err := Validate(cfg)
	if err == nil {
		return nil
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate = %v, want *ValidationError", err)
	}
	paths := make([]string, len(verr.Issues))
	for i, issue := range verr.Issues {
		paths[i] = issue.Path
	}
	return paths
}

func hasIssue(paths []string, substr string) bool {
	for _, p := range paths {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}

func TestValidateOK(t *testing.T) {
	cfg := &ResolvedConfig{Agents: []*Agent{{
		Name:           "writer",
		PermissionMode: string(driver.PermissionAcceptEdits),
		Schedules: map[string]Schedule{
			"tick": {Type: ScheduleInterval, Interval: time.Minute},
			"noon": {Type: ScheduleCron, Expression: "0 12 * * *"},
			"ask":  {Type: ScheduleManual},
		},
	}}}

	if err := Validate(cfg); err != nil {
		t.Errorf("Validate valid config: %v", err)
	}
}

func TestValidateAgentNames(t *testing.T) {
	cfg := &ResolvedConfig{Agents: []*Agent{
		{Name: "bad name!"},
		{Name: "writer"},
		{Name: "writer"},
	}}

	paths := validateIssues(t, cfg)
	if !hasIssue(paths, "agents.bad name!.name") {
		t.Errorf("unsafe name not flagged: %v", paths)
	}
	if !hasIssue(paths, "agents.writer.name") {
		t.Errorf("duplicate name not flagged: %v", paths)
	}
}

func TestValidateSchedules(t *testing.T) {
	tests := []struct {
		name  string
		sched Schedule
		issue string
	}{
		{"interval without duration", Schedule{Type: ScheduleInterval}, "interval"},
		{"interval with expression", Schedule{Type: ScheduleInterval, Interval: time.Minute, Expression: "* * * * *"}, "expression"},
		{"cron without expression", Schedule{Type: ScheduleCron}, "expression"},
		{"cron with bad expression", Schedule{Type: ScheduleCron, Expression: "not cron"}, "expression"},
		{"cron with interval", Schedule{Type: ScheduleCron, Expression: "* * * * *", Interval: time.Minute}, "interval"},
		{"manual with interval", Schedule{Type: ScheduleManual, Interval: time.Minute}, "sched"},
		{"missing type", Schedule{}, "type"},
		{"unknown type", Schedule{Type: "hourly"}, "type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &ResolvedConfig{Agents: []*Agent{{
				Name:      "writer",
				Schedules: map[string]Schedule{"sched": tt.sched},
			}}}
			paths := validateIssues(t, cfg)
			if !hasIssue(paths, tt.issue) {
				t.Errorf("issue %q not reported: %v", tt.issue, paths)
			}
		})
	}
}

func TestValidatePermissionMode(t *testing.T) {
	cfg := &ResolvedConfig{Agents: []*Agent{{
		Name:           "writer",
		PermissionMode: "yolo",
	}}}

	paths := validateIssues(t, cfg)
	if !hasIssue(paths, "permission_mode") {
		t.Errorf("bad permission mode not flagged: %v", paths)
	}
}

func TestValidateMCPServers(t *testing.T) {
	cfg := &ResolvedConfig{Agents: []*Agent{{
		Name: "writer",
		MCPServers: map[string]driver.MCPServer{
			"web":   {Type: "http"},
			"local": {},
			"weird": {Type: "grpc"},
		},
	}}}

	paths := validateIssues(t, cfg)
	for _, want := range []string{"mcp_servers.web", "mcp_servers.local", "mcp_servers.weird"} {
		if !hasIssue(paths, want) {
			t.Errorf("issue %q not reported: %v", want, paths)
		}
	}
}

func TestValidateHooksAndChat(t *testing.T) {
	cfg := &ResolvedConfig{Agents: []*Agent{{
		Name: "writer",
		Hooks: Hooks{
			BeforeRun: []Hook{{Name: "no-command"}},
			AfterRun:  []Hook{{Command: "echo ok", TimeoutMS: -1}},
		},
		Chat: AgentChat{
			Discord: &DiscordBinding{Enabled: true},
		},
	}}}

	paths := validateIssues(t, cfg)
	if !hasIssue(paths, "hooks.before_run[0].command") {
		t.Errorf("missing hook command not flagged: %v", paths)
	}
	if !hasIssue(paths, "hooks.after_run[0].timeout_ms") {
		t.Errorf("negative timeout not flagged: %v", paths)
	}
	if !hasIssue(paths, "chat.discord.channels") {
		t.Errorf("enabled binding without channels not flagged: %v", paths)
	}
}

func TestValidateMetadataFileTraversal(t *testing.T) {
	cfg := &ResolvedConfig{Agents: []*Agent{{
		Name:         "writer",
		MetadataFile: "../outside.json",
	}}}

	paths := validateIssues(t, cfg)
	if !hasIssue(paths, "metadata_file") {
		t.Errorf("traversal not flagged: %v", paths)
	}
}
