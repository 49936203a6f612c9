// Package state – schedules.go persists per-schedule runtime state, one file
// per agent at schedules/<agentName>.state.
package state

import (
	"errors"
	"os"
	"path/filepath"
)

// ReadScheduleStates loads all schedule states for an agent. Missing file
// yields an empty map.
func (s *Store) ReadScheduleStates(agentName string) (map[string]ScheduleState, error) {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()
	return s.readScheduleStates(agentName)
}

// UpdateScheduleState applies a patch to one schedule's state and persists
// the agent's state file atomically.
func (s *Store) UpdateScheduleState(agentName, scheduleName string, patch SchedulePatch) (*ScheduleState, error) {
	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	states, err := s.readScheduleStates(agentName)
	if err != nil {
		return nil, err
	}

	st := states[scheduleName]
	if st.Status == "" {
		st.Status = ScheduleIdle
	}
	if patch.Status != nil {
		st.Status = *patch.Status
	}
	if patch.LastRunAt != nil {
		st.LastRunAt = patch.LastRunAt
	}
	if patch.NextRunAt != nil {
		st.NextRunAt = patch.NextRunAt
	}
	if patch.LastError != nil {
		st.LastError = *patch.LastError
	}
	states[scheduleName] = st

	path, err := s.schedulePath(agentName)
	if err != nil {
		return nil, err
	}
	if err := writeJSONAtomic(path, states, 0o644); err != nil {
		return nil, err
	}
	return &st, nil
}

// ---------- Internal ----------

func (s *Store) schedulePath(agentName string) (string, error) {
	return BuildSafeFilePath(filepath.Join(s.baseDir, schedulesDir), agentName, ".state")
}

func (s *Store) readScheduleStates(agentName string) (map[string]ScheduleState, error) {
	path, err := s.schedulePath(agentName)
	if err != nil {
		return nil, err
	}
	states := make(map[string]ScheduleState)
	if err := readJSON(path, &states); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return states, nil
}
