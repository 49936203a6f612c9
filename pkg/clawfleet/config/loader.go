// Package config – loader.go reads the fleet description from YAML with
// .env loading and environment variable interpolation, resolves referenced
// agent files, merges fleet defaults, and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// fleetFileNames are searched, in order, in each directory walking upward
// from the working directory when no explicit path is given.
var fleetFileNames = []string{"clawfleet.yaml", "clawfleet.yml"}

// ErrNotFound is returned when no fleet file could be located.
var ErrNotFound = errors.New("fleet config not found")

// ParseError wraps a YAML syntax failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parsing %s: %v", e.Path, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?error} references.
// Expansion is single-pass: substituted values are never re-expanded.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// Load locates, parses and validates the fleet description. pathHint may be
// empty (search upward), a file, or a directory containing a fleet file.
func Load(pathHint string) (*ResolvedConfig, error) {
	// .env files never override variables already set in the environment.
	_ = godotenv.Load(".env", ".env.local")

	path, err := locateFleetFile(pathHint)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var fleet FleetFile
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&fleet); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	dir := filepath.Dir(path)
	agents, err := resolveAgents(&fleet, dir)
	if err != nil {
		return nil, err
	}

	cfg := &ResolvedConfig{
		Dir:       dir,
		Path:      path,
		StateDir:  resolvePath(dir, fleet.StateDir, "state"),
		Logging:   fleet.Logging,
		Scheduler: fleet.Scheduler,
		Chat:      fleet.Chat,
		Agents:    agents,
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// locateFleetFile resolves pathHint or searches upward from the working
// directory.
func locateFleetFile(pathHint string) (string, error) {
	if pathHint != "" {
		info, err := os.Stat(pathHint)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, pathHint)
		}
		if !info.IsDir() {
			return filepath.Abs(pathHint)
		}
		for _, name := range fleetFileNames {
			candidate := filepath.Join(pathHint, name)
			if _, err := os.Stat(candidate); err == nil {
				return filepath.Abs(candidate)
			}
		}
		return "", fmt.Errorf("%w: no fleet file in %s", ErrNotFound, pathHint)
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		for _, name := range fleetFileNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// resolveAgents loads file references, decodes inline agents strictly, and
// merges fleet defaults into each.
func resolveAgents(fleet *FleetFile, dir string) ([]*Agent, error) {
	agents := make([]*Agent, 0, len(fleet.Agents))
	for i, ref := range fleet.Agents {
		var agent Agent
		switch {
		case ref.Path != "":
			path := resolvePath(dir, ref.Path, "")
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading agent file %s: %w", ref.Path, err)
			}
			expanded, err := expandEnvVars(string(data))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ref.Path, err)
			}
			if err := decodeStrict([]byte(expanded), &agent); err != nil {
				return nil, &ParseError{Path: path, Err: err}
			}
		case ref.Inline != nil:
			// Round-trip through bytes so KnownFields applies to inline
			// agents exactly as it does to file-based ones.
			raw, err := yaml.Marshal(ref.Inline)
			if err != nil {
				return nil, fmt.Errorf("agent %d: %w", i, err)
			}
			if err := decodeStrict(raw, &agent); err != nil {
				return nil, &ParseError{Path: fmt.Sprintf("agents[%d]", i), Err: err}
			}
		default:
			return nil, &ParseError{Path: fmt.Sprintf("agents[%d]", i), Err: errors.New("empty agent entry")}
		}

		applyDefaults(&agent, fleet.Defaults)
		if agent.WorkingDir.Path == "" {
			agent.WorkingDir.Path = dir
		} else if !filepath.IsAbs(agent.WorkingDir.Path) {
			agent.WorkingDir.Path = filepath.Join(dir, agent.WorkingDir.Path)
		}
		agents = append(agents, &agent)
	}
	return agents, nil
}

// decodeStrict decodes YAML rejecting unknown keys.
func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}

// applyDefaults shallow-merges fleet defaults into an agent; explicit agent
// values win.
func applyDefaults(agent *Agent, d AgentDefaults) {
	if agent.Model == "" {
		agent.Model = d.Model
	}
	if agent.MaxTurns == 0 {
		agent.MaxTurns = d.MaxTurns
	}
	if agent.PermissionMode == "" {
		agent.PermissionMode = d.PermissionMode
	}
	if agent.AllowedTools == nil {
		agent.AllowedTools = d.AllowedTools
	}
	if agent.DeniedTools == nil {
		agent.DeniedTools = d.DeniedTools
	}
	if agent.SettingSources == nil {
		agent.SettingSources = d.SettingSources
	}
	if agent.SystemPrompt.IsZero() {
		agent.SystemPrompt = d.SystemPrompt
	}
	if agent.MaxConcurrent == 0 {
		agent.MaxConcurrent = d.MaxConcurrent
	}
	if agent.DefaultPrompt == "" {
		agent.DefaultPrompt = d.DefaultPrompt
	}
}

// expandEnvVars performs one pass of ${VAR} substitution. ${VAR:?msg} fails
// when VAR is unset or empty; ${VAR:-default} substitutes the default.
func expandEnvVars(text string) (string, error) {
	var expandErr error
	result := envVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, modifier, arg := groups[1], groups[2], groups[3]

		value, set := os.LookupEnv(name)
		switch modifier {
		case "?":
			if value == "" {
				msg := arg
				if msg == "" {
					msg = "required variable not set"
				}
				if expandErr == nil {
					expandErr = fmt.Errorf("${%s}: %s", name, msg)
				}
			}
			return value
		case "-":
			if !set || value == "" {
				return arg
			}
			return value
		default:
			return value
		}
	})
	if expandErr != nil {
		return "", expandErr
	}
	return result, nil
}

// resolvePath joins rel against dir unless rel is absolute; empty rel falls
// back to def (also joined against dir when relative).
func resolvePath(dir, rel, def string) string {
	if rel == "" {
		rel = def
	}
	if rel == "" {
		return dir
	}
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(dir, rel)
}
