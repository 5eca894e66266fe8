package ble

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// stateMonitor tracks the adapter power state. The current state can be
// read from any goroutine; set and notify run on the engine loop.
type stateMonitor struct {
	state atomic.Int32

	mu        sync.Mutex
	listeners []func(AdapterState)
}

// Current returns the last reported adapter state.
func (m *stateMonitor) Current() AdapterState {
	return AdapterState(m.state.Load())
}

// Subscribe registers fn to be called on every state transition.
func (m *stateMonitor) Subscribe(fn func(AdapterState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// set records a hardware report and returns whether it was a transition.
// Reports are authoritative and never re-validated.
func (m *stateMonitor) set(s AdapterState) bool {
	prev := AdapterState(m.state.Swap(int32(s)))
	if prev == s {
		return false
	}
	slog.Info("[BLE] adapter state changed", "from", prev, "to", s)
	return true
}

// notify calls every listener with s.
func (m *stateMonitor) notify(s AdapterState) {
	m.mu.Lock()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}
