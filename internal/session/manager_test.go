package session

import (
	"errors"
	"testing"

	"github.com/kevinraymond/stt-server/internal/config"
	"github.com/kevinraymond/stt-server/internal/engine"
)

func testManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	cfg := config.Default()
	cfg.Server.MaxConcurrentSessions = maxSessions

	sched := engine.NewScheduler(&echoEngine{}, 1, nil, nil)
	t.Cleanup(sched.Stop)

	m := NewManager(cfg, sched, nil, nil)
	t.Cleanup(m.Stop)
	return m
}

func TestManagerCreateAndRemoveSession(t *testing.T) {
	m := testManager(t, 4)

	p, err := m.CreateSession(&captureSender{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if p.ID == "" {
		t.Error("expected a generated session ID")
	}
	if m.SessionCount() != 1 {
		t.Errorf("SessionCount = %d, want 1", m.SessionCount())
	}

	if got, ok := m.GetSession(p.ID); !ok || got != p {
		t.Error("GetSession did not return the created pipeline")
	}

	if !m.RemoveSession(p.ID, true) {
		t.Error("RemoveSession returned false for an active session")
	}
	if m.SessionCount() != 0 {
		t.Errorf("SessionCount = %d after removal, want 0", m.SessionCount())
	}
}

func TestManagerRemoveSessionIdempotent(t *testing.T) {
	m := testManager(t, 4)

	p, err := m.CreateSession(&captureSender{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if !m.RemoveSession(p.ID, false) {
		t.Error("first RemoveSession returned false")
	}
	if m.RemoveSession(p.ID, false) {
		t.Error("second RemoveSession should be a no-op returning false")
	}
	if m.RemoveSession("no-such-session", true) {
		t.Error("removing an unknown session should return false")
	}
}

func TestManagerSessionLimit(t *testing.T) {
	m := testManager(t, 2)

	for i := 0; i < 2; i++ {
		if _, err := m.CreateSession(&captureSender{}); err != nil {
			t.Fatalf("CreateSession %d failed: %v", i, err)
		}
	}

	if _, err := m.CreateSession(&captureSender{}); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("CreateSession over limit: error = %v, want ErrTooManySessions", err)
	}

	// Removing one frees a slot.
	stats := m.AllStats()
	if len(stats) != 2 {
		t.Fatalf("AllStats returned %d entries, want 2", len(stats))
	}
	m.RemoveSession(stats[0].ID, false)
	if _, err := m.CreateSession(&captureSender{}); err != nil {
		t.Errorf("CreateSession after removal failed: %v", err)
	}
}

func TestManagerFramesAfterRemovalRejected(t *testing.T) {
	m := testManager(t, 4)

	p, err := m.CreateSession(&captureSender{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	m.RemoveSession(p.ID, false)

	if err := p.HandleFrame(1, make([]byte, 640)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("HandleFrame after removal: error = %v, want ErrSessionClosed", err)
	}
}
