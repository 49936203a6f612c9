// Package hooks runs user-defined lifecycle commands around job execution.
// Each hook is an external command executed through the shell with the
// agent's working directory as cwd, a bounded timeout, captured output, and
// an optional `when` predicate gating execution.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/config"
)

// Stage identifies when a hook runs.
type Stage string

const (
	StageBeforeRun Stage = "before_run"
	StageAfterRun  Stage = "after_run"
	StageOnError   Stage = "on_error"
)

const (
	// defaultTimeout bounds a hook that declares none.
	defaultTimeout = 30 * time.Second

	// killGrace is how long a timed-out hook gets between SIGTERM and SIGKILL.
	killGrace = 3 * time.Second

	// maxCapturedOutput bounds captured stdout+stderr per hook.
	maxCapturedOutput = 64 * 1024
)

// Context carries the data hooks (and their `when` predicates) can see.
type Context struct {
	Event string `json:"event"`

	Job struct {
		ID           string `json:"id"`
		AgentID      string `json:"agentId"`
		ScheduleName string `json:"scheduleName,omitempty"`
		StartedAt    string `json:"startedAt"`
		CompletedAt  string `json:"completedAt,omitempty"`
		DurationMS   int64  `json:"durationMs"`
	} `json:"job"`

	Result struct {
		Success bool   `json:"success"`
		Output  string `json:"output,omitempty"`
		Error   string `json:"error,omitempty"`
	} `json:"result"`

	Agent struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"agent"`

	// Metadata is the parsed content of the agent's metadata file, if any.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HookOutcome records one hook's run.
type HookOutcome struct {
	Name     string
	Skipped  bool
	Err      error
	Output   string
	Duration time.Duration
}

// Result summarizes a stage's execution.
type Result struct {
	// ShouldFailJob is true iff a hook failed and its continue_on_error was
	// explicitly false.
	ShouldFailJob bool

	Outcomes []HookOutcome
}

// Executor runs hooks for one agent.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates a hook executor.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger.With("component", "hooks")}
}

// Execute runs the stage's hooks sequentially. Hooks whose `when` predicate
// evaluates false are skipped; predicate errors are treated as false with a
// warning. A failing hook stops the stage only when its continue_on_error is
// false.
func (e *Executor) Execute(ctx context.Context, agentHooks config.Hooks, hctx Context, stage Stage, workDir string) Result {
	var hooks []config.Hook
	switch stage {
	case StageBeforeRun:
		hooks = agentHooks.BeforeRun
	case StageAfterRun:
		hooks = agentHooks.AfterRun
	case StageOnError:
		hooks = agentHooks.OnError
	}

	var result Result
	for _, hook := range hooks {
		outcome := e.runOne(ctx, hook, hctx, workDir)
		result.Outcomes = append(result.Outcomes, outcome)

		if outcome.Err != nil && !hook.ContinueOnErrorOrDefault() {
			result.ShouldFailJob = true
			break
		}
	}
	return result
}

func (e *Executor) runOne(ctx context.Context, hook config.Hook, hctx Context, workDir string) HookOutcome {
	name := hook.Name
	if name == "" {
		name = hook.Command
	}

	if hook.When != "" {
		ok, err := EvalWhen(hook.When, hctx)
		if err != nil {
			e.logger.Warn("hook when predicate failed, skipping",
				"hook", name, "when", hook.When, "error", err)
			return HookOutcome{Name: name, Skipped: true}
		}
		if !ok {
			return HookOutcome{Name: name, Skipped: true}
		}
	}

	timeout := defaultTimeout
	if hook.TimeoutMS > 0 {
		timeout = time.Duration(hook.TimeoutMS) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", hook.Command)
	cmd.Dir = workDir
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = killGrace

	// The hook context is delivered on stdin and as an env var, so shell
	// one-liners can use either.
	ctxJSON, _ := json.Marshal(hctx)
	cmd.Stdin = bytes.NewReader(ctxJSON)
	cmd.Env = append(os.Environ(), "CLAWFLEET_HOOK_CONTEXT="+string(ctxJSON))

	var output bytes.Buffer
	cmd.Stdout = &boundedWriter{buf: &output, limit: maxCapturedOutput}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("hook timed out after %s", timeout)
		}
		e.logger.Warn("hook failed",
			"hook", name, "duration", duration, "error", err,
			"output", truncate(output.String(), 500))
	} else {
		e.logger.Debug("hook completed", "hook", name, "duration", duration)
	}

	return HookOutcome{Name: name, Err: err, Output: output.String(), Duration: duration}
}

// ReadMetadataFile loads the agent's metadata JSON from its working
// directory. Missing or malformed files yield nil without error; hooks
// simply see no metadata.
func ReadMetadataFile(workDir, relPath string) map[string]any {
	if relPath == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(workDir, relPath))
	if err != nil {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return meta
}

// boundedWriter discards bytes past its limit.
type boundedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	// Report full consumption so the child never blocks on a full pipe.
	return len(p), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
