// Package state – sessions.go persists per-channel chat sessions. Each agent
// owns one file, sessions/<agentName>.chat, holding a channelId → session map.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// GetChatSession returns the session for (agent, channel), or
// ErrSessionNotFound.
func (s *Store) GetChatSession(agentName, channelID string) (*ChatSession, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	sessions, err := s.readSessions(agentName)
	if err != nil {
		return nil, err
	}
	sess, ok := sessions[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrSessionNotFound, agentName, channelID)
	}
	return &sess, nil
}

// SetChatSession stores the session id for (agent, channel) and bumps
// last_message_at.
func (s *Store) SetChatSession(agentName, channelID, sessionID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	sessions, err := s.readSessions(agentName)
	if err != nil {
		return err
	}
	sessions[channelID] = ChatSession{SessionID: sessionID, LastMessageAt: time.Now()}
	return s.writeSessions(agentName, sessions)
}

// TouchChatSession refreshes last_message_at without changing the session id.
// Unknown channels are a no-op.
func (s *Store) TouchChatSession(agentName, channelID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	sessions, err := s.readSessions(agentName)
	if err != nil {
		return err
	}
	sess, ok := sessions[channelID]
	if !ok {
		return nil
	}
	sess.LastMessageAt = time.Now()
	sessions[channelID] = sess
	return s.writeSessions(agentName, sessions)
}

// ClearChatSession removes the session for (agent, channel).
func (s *Store) ClearChatSession(agentName, channelID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	sessions, err := s.readSessions(agentName)
	if err != nil {
		return err
	}
	delete(sessions, channelID)
	return s.writeSessions(agentName, sessions)
}

// CleanupExpiredSessions removes sessions older than maxAge for the agent and
// returns how many were dropped. Called opportunistically by the chat router.
func (s *Store) CleanupExpiredSessions(agentName string, maxAge time.Duration) (int, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	sessions, err := s.readSessions(agentName)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for channel, sess := range sessions {
		if sess.LastMessageAt.Before(cutoff) {
			delete(sessions, channel)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.writeSessions(agentName, sessions)
}

// ActiveSessionCount returns how many sessions the agent currently holds.
func (s *Store) ActiveSessionCount(agentName string) (int, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	sessions, err := s.readSessions(agentName)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// ---------- Internal ----------

func (s *Store) sessionPath(agentName string) (string, error) {
	return BuildSafeFilePath(filepath.Join(s.baseDir, sessionsDir), agentName, ".chat")
}

func (s *Store) readSessions(agentName string) (map[string]ChatSession, error) {
	path, err := s.sessionPath(agentName)
	if err != nil {
		return nil, err
	}
	sessions := make(map[string]ChatSession)
	if err := readJSON(path, &sessions); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) writeSessions(agentName string, sessions map[string]ChatSession) error {
	path, err := s.sessionPath(agentName)
	if err != nil {
		return err
	}
	return writeJSONAtomic(path, sessions, 0o644)
}
