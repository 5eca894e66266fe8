package ble

import (
	"fmt"
	"log/slog"
)

// scanner drives adapter discovery for the Tempo3 service. It is owned by
// the engine loop and is not safe for concurrent use.
type scanner struct {
	adapter    Adapter
	onDiscover func(Device)
	onEnd      func(cycle int, err error)

	scanning bool
	cycle    int // incremented by every successful start
	// known is the identity set of the current scan cycle. It is replaced
	// only by start, never mutated.
	known map[string]struct{}
}

// newScanner creates a scanner. onEnd receives the cycle a radio scan
// belonged to when that scan stops.
func newScanner(adapter Adapter, onDiscover func(Device), onEnd func(cycle int, err error)) *scanner {
	return &scanner{adapter: adapter, onDiscover: onDiscover, onEnd: onEnd}
}

// start begins a scan cycle with a snapshot of known. It is a no-op while
// a scan is running.
func (s *scanner) start(known []string) error {
	if s.scanning {
		return nil
	}
	set := make(map[string]struct{}, len(known))
	for _, id := range known {
		set[id] = struct{}{}
	}
	cycle := s.cycle + 1
	onEnd := func(err error) { s.onEnd(cycle, err) }
	if err := s.adapter.StartScan(ServiceUUID, s.onDiscover, onEnd); err != nil {
		return fmt.Errorf("ble: start scan: %w", err)
	}
	s.cycle = cycle
	s.known = set
	s.scanning = true
	slog.Info("[BLE] scanning", "service", ServiceUUID, "known", len(set))
	return nil
}

// ended handles the end of the radio scan started in cycle. It reports
// whether the current scan stopped on its own; ends of earlier cycles and
// of scans already stopped through stop are ignored.
func (s *scanner) ended(cycle int) bool {
	if !s.scanning || cycle != s.cycle {
		return false
	}
	s.scanning = false
	return true
}

// stop halts discovery. It is a no-op when not scanning.
func (s *scanner) stop() error {
	if !s.scanning {
		return nil
	}
	s.scanning = false
	slog.Info("[BLE] scan stopped")
	if err := s.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}
