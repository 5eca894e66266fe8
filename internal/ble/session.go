package ble

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/tempo3-sync/internal/ble/protocol"
)

// ErrSubscription is reported when notifications on the serial
// characteristic cannot be enabled. The request is never sent.
var ErrSubscription = errors.New("subscription failed")

// sessionState is a step of the connection session lifecycle.
type sessionState int

const (
	sessionDiscovered sessionState = iota
	sessionConnecting
	sessionServiceDiscovery
	sessionSubscribing
	sessionAwaitingSend
	sessionReceiving
	sessionDisconnecting
	sessionClosed
)

var sessionStateNames = [...]string{
	sessionDiscovered:       "discovered",
	sessionConnecting:       "connecting",
	sessionServiceDiscovery: "service_discovery",
	sessionSubscribing:      "subscribing",
	sessionAwaitingSend:     "awaiting_send",
	sessionReceiving:        "receiving",
	sessionDisconnecting:    "disconnecting",
	sessionClosed:           "closed",
}

func (s sessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return fmt.Sprintf("sessionState(%d)", int(s))
}

// next lists the forward transitions of each state. Any state except
// closed may also move to disconnecting.
var next = map[sessionState]sessionState{
	sessionDiscovered:       sessionConnecting,
	sessionConnecting:       sessionServiceDiscovery,
	sessionServiceDiscovery: sessionSubscribing,
	sessionSubscribing:      sessionAwaitingSend,
	sessionAwaitingSend:     sessionReceiving,
	sessionDisconnecting:    sessionClosed,
}

// session is one request/response exchange with a discovered peripheral.
// All fields are owned by the engine loop.
type session struct {
	id      string
	device  Device
	kind    protocol.RequestKind
	request []byte
	started time.Time

	state  sessionState
	conn   Connection
	char   Characteristic
	frames protocol.Reassembler
	settle *time.Timer
}

func newSession(dev Device, kind protocol.RequestKind, request []byte, now time.Time) *session {
	return &session{
		id:      uuid.NewString(),
		device:  dev,
		kind:    kind,
		request: request,
		started: now,
		state:   sessionDiscovered,
	}
}

// advance moves the session to state to. Only the forward step of the
// current state, or disconnecting from any open state, is allowed.
func (s *session) advance(to sessionState) error {
	if to == sessionDisconnecting && s.state != sessionDisconnecting && s.state != sessionClosed {
		s.state = to
		return nil
	}
	if want, ok := next[s.state]; ok && want == to {
		s.state = to
		return nil
	}
	return fmt.Errorf("ble: session %s: invalid transition %s -> %s", s.id, s.state, to)
}

// open reports whether the session has not started tearing down.
func (s *session) open() bool {
	return s.state != sessionDisconnecting && s.state != sessionClosed
}
