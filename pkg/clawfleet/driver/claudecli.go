// Package driver – claudecli.go implements QueryDriver on top of the Claude
// Code CLI. Each query spawns `claude -p --output-format stream-json` and
// parses one typed message per stdout line.
//
// Requirements:
//   - Claude Code CLI installed: npm install -g @anthropic-ai/claude-code
//   - Authenticated: claude setup-token or claude login
package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ClaudeCLI runs queries through the claude binary.
type ClaudeCLI struct {
	// Binary is the executable name or path. Defaults to "claude".
	Binary string

	// KillGrace is how long to wait after a cooperative interrupt before
	// force-killing the process. Defaults to 5s.
	KillGrace time.Duration

	Logger *slog.Logger
}

// NewClaudeCLI creates a driver with defaults filled in.
func NewClaudeCLI(logger *slog.Logger) *ClaudeCLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeCLI{
		Binary:    "claude",
		KillGrace: 5 * time.Second,
		Logger:    logger.With("component", "driver"),
	}
}

// Query spawns the CLI and returns a stream over its stdout lines.
func (d *ClaudeCLI) Query(ctx context.Context, prompt string, opts Options) (Stream, error) {
	binary := d.Binary
	if binary == "" {
		binary = "claude"
	}
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("claude CLI not found (install: npm install -g @anthropic-ai/claude-code): %w", err)
	}

	args, err := buildCLIArgs(prompt, opts)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Env = os.Environ()

	// Cooperative cancellation: interrupt first so the CLI can flush its
	// final records, then let WaitDelay force-kill stragglers.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	grace := d.KillGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	cmd.WaitDelay = grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting claude: %w", err)
	}

	d.Logger.Debug("claude query started", "pid", cmd.Process.Pid, "model", opts.Model, "resume", opts.Resume != "")

	scanner := bufio.NewScanner(stdout)
	// Assistant turns with large tool results can exceed the default 64K.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	return &cliStream{cmd: cmd, scanner: scanner, logger: d.Logger}, nil
}

// buildCLIArgs maps Options to claude CLI flags.
func buildCLIArgs(prompt string, opts Options) ([]string, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}

	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
		if opts.ForkSession {
			args = append(args, "--fork-session")
		}
	} else if opts.ForkSession {
		return nil, fmt.Errorf("fork requires a session to resume")
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DeniedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DeniedTools, ","))
	}
	if len(opts.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(opts.SettingSources, ","))
	}

	switch {
	case opts.SystemPrompt.Text != "":
		args = append(args, "--system-prompt", opts.SystemPrompt.Text)
	case opts.SystemPrompt.Append != "":
		// Preset "claude_code" is the CLI's own default prompt; appending is
		// the only part that needs a flag.
		args = append(args, "--append-system-prompt", opts.SystemPrompt.Append)
	}

	if len(opts.MCPServers) > 0 {
		cfg, err := json.Marshal(map[string]any{"mcpServers": opts.MCPServers})
		if err != nil {
			return nil, fmt.Errorf("marshaling mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(cfg))
	}

	// The prompt goes last.
	args = append(args, prompt)
	return args, nil
}

// cliStream adapts the CLI's stdout to the Stream interface.
type cliStream struct {
	cmd     *exec.Cmd
	scanner *bufio.Scanner
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Next returns the next parsed message, or io.EOF when the process closes
// its stdout. Blank lines are skipped; a non-JSON line is surfaced as a parse
// error so the runner can record a malformed_response failure.
func (s *cliStream) Next() (*Message, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		return ParseMessage([]byte(line))
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading claude output: %w", err)
	}
	return nil, io.EOF
}

// Close interrupts the process if still running and reaps it.
func (s *cliStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Signal(os.Interrupt)
		}
		err := s.cmd.Wait()
		// A non-zero exit after an interrupt is expected; only surface
		// genuine wait failures.
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			s.closeErr = err
		}
	})
	return s.closeErr
}
