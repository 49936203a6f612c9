package state

import (
	"errors"
	"testing"
	"time"
)

func TestChatSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetChatSession("writer", "discord:123"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing session = %v, want ErrSessionNotFound", err)
	}

	if err := store.SetChatSession("writer", "discord:123", "sess-1"); err != nil {
		t.Fatalf("SetChatSession: %v", err)
	}

	sess, err := store.GetChatSession("writer", "discord:123")
	if err != nil {
		t.Fatalf("GetChatSession: %v", err)
	}
	if sess.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", sess.SessionID)
	}
	if sess.LastMessageAt.IsZero() {
		t.Error("LastMessageAt not set")
	}

	// Channels are isolated per agent.
	if _, err := store.GetChatSession("reviewer", "discord:123"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("other agent sees session: %v", err)
	}
}

func TestClearChatSession(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetChatSession("writer", "discord:123", "sess-1"); err != nil {
		t.Fatalf("SetChatSession: %v", err)
	}
	if err := store.ClearChatSession("writer", "discord:123"); err != nil {
		t.Fatalf("ClearChatSession: %v", err)
	}
	if _, err := store.GetChatSession("writer", "discord:123"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("cleared session still present: %v", err)
	}

	// Clearing an absent session is not an error.
	if err := store.ClearChatSession("writer", "discord:999"); err != nil {
		t.Errorf("clearing absent session: %v", err)
	}
}

func TestTouchChatSession(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetChatSession("writer", "discord:123", "sess-1"); err != nil {
		t.Fatalf("SetChatSession: %v", err)
	}
	before, _ := store.GetChatSession("writer", "discord:123")

	time.Sleep(5 * time.Millisecond)
	if err := store.TouchChatSession("writer", "discord:123"); err != nil {
		t.Fatalf("TouchChatSession: %v", err)
	}

	after, _ := store.GetChatSession("writer", "discord:123")
	if !after.LastMessageAt.After(before.LastMessageAt) {
		t.Error("LastMessageAt not bumped")
	}
	if after.SessionID != "sess-1" {
		t.Errorf("SessionID changed: %q", after.SessionID)
	}

	// Touching an unknown channel is a no-op.
	if err := store.TouchChatSession("writer", "discord:999"); err != nil {
		t.Errorf("touching absent session: %v", err)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetChatSession("writer", "discord:old", "sess-old"); err != nil {
		t.Fatalf("SetChatSession: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := store.SetChatSession("writer", "discord:new", "sess-new"); err != nil {
		t.Fatalf("SetChatSession: %v", err)
	}

	removed, err := store.CleanupExpiredSessions("writer", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := store.GetChatSession("writer", "discord:old"); !errors.Is(err, ErrSessionNotFound) {
		t.Error("expired session survived cleanup")
	}
	if _, err := store.GetChatSession("writer", "discord:new"); err != nil {
		t.Errorf("fresh session removed: %v", err)
	}

	count, err := store.ActiveSessionCount("writer")
	if err != nil {
		t.Fatalf("ActiveSessionCount: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
