package ble

import (
	"testing"
	"time"

	"github.com/chaz8081/tempo3-sync/internal/ble/protocol"
)

func testSession() *session {
	return newSession(Device{ID: knownID}, protocol.FetchDeviceState, []byte{0x0F}, time.Unix(0, 0))
}

func TestSessionForwardPath(t *testing.T) {
	s := testSession()
	path := []sessionState{
		sessionConnecting,
		sessionServiceDiscovery,
		sessionSubscribing,
		sessionAwaitingSend,
		sessionReceiving,
		sessionDisconnecting,
		sessionClosed,
	}
	for _, to := range path {
		if err := s.advance(to); err != nil {
			t.Fatalf("advance(%s): %v", to, err)
		}
		if s.state != to {
			t.Fatalf("state = %s, want %s", s.state, to)
		}
	}
	if s.open() {
		t.Error("closed session reports open")
	}
}

func TestSessionRejectsSkippedStep(t *testing.T) {
	s := testSession()
	if err := s.advance(sessionReceiving); err == nil {
		t.Error("expected error skipping from discovered to receiving")
	}
	if s.state != sessionDiscovered {
		t.Errorf("state = %s, want %s", s.state, sessionDiscovered)
	}
}

func TestSessionRejectsBackwardStep(t *testing.T) {
	s := testSession()
	_ = s.advance(sessionConnecting)
	_ = s.advance(sessionServiceDiscovery)
	if err := s.advance(sessionConnecting); err == nil {
		t.Error("expected error moving backwards")
	}
}

func TestSessionDisconnectFromAnyOpenState(t *testing.T) {
	for _, from := range []sessionState{
		sessionDiscovered,
		sessionConnecting,
		sessionServiceDiscovery,
		sessionSubscribing,
		sessionAwaitingSend,
		sessionReceiving,
	} {
		s := testSession()
		s.state = from
		if !s.open() {
			t.Errorf("%s: open() = false, want true", from)
		}
		if err := s.advance(sessionDisconnecting); err != nil {
			t.Errorf("%s -> disconnecting: %v", from, err)
		}
	}
}

func TestSessionClosedIsTerminal(t *testing.T) {
	s := testSession()
	s.state = sessionClosed
	for _, to := range []sessionState{sessionDisconnecting, sessionConnecting, sessionClosed} {
		if err := s.advance(to); err == nil {
			t.Errorf("closed -> %s: expected error", to)
		}
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	a, b := testSession(), testSession()
	if a.id == "" || a.id == b.id {
		t.Errorf("session ids %q and %q should be distinct and non-empty", a.id, b.id)
	}
}

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state sessionState
		want  string
	}{
		{sessionDiscovered, "discovered"},
		{sessionServiceDiscovery, "service_discovery"},
		{sessionAwaitingSend, "awaiting_send"},
		{sessionClosed, "closed"},
		{sessionState(42), "sessionState(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
