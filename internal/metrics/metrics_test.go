package metrics

import "testing"

func TestSessionsGauge(t *testing.T) {
	m := New()
	if got := m.GetActiveSessions(); got != 0 {
		t.Fatalf("expected 0 active sessions, got %d", got)
	}
	m.IncrementSessions()
	m.IncrementSessions()
	if got := m.GetActiveSessions(); got != 2 {
		t.Fatalf("expected 2 active sessions, got %d", got)
	}
	m.DecrementSessions()
	if got := m.GetActiveSessions(); got != 1 {
		t.Fatalf("expected 1 active session, got %d", got)
	}
}

func TestActiveRuns(t *testing.T) {
	m := New()
	m.SetActiveRuns(3)
	if got := m.GetActiveRuns(); got != 3 {
		t.Fatalf("expected 3 active runs, got %d", got)
	}
}

func TestEnhancedSnapshot(t *testing.T) {
	e := NewEnhanced()
	e.IncrementSessions()
	snap := e.Snapshot()
	if snap.ActiveSessions != 1 {
		t.Fatalf("expected 1 active session in snapshot, got %d", snap.ActiveSessions)
	}
	if snap.System == nil {
		t.Fatal("expected system info to be populated")
	}
}

var _ Recorder = (*Metrics)(nil)
