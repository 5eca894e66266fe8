// Package protocol implements the Tempo3 request/response wire format:
// fixed-layout request bytes written to the serial characteristic and
// length-framed JSON responses delivered as notifications.
package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// RequestKind selects the request layout and the expected response schema.
type RequestKind int

const (
	// IdentifyDevice asks a new peripheral for its name only.
	IdentifyDevice RequestKind = iota + 1
	// FetchDeviceState asks a known peripheral for its event log, battery
	// and name, and sets its clock.
	FetchDeviceState
)

func (k RequestKind) String() string {
	switch k {
	case IdentifyDevice:
		return "identify"
	case FetchDeviceState:
		return "fetch-state"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// Control byte flags.
const (
	FlagName    byte = 0x01
	FlagBattery byte = 0x02
	FlagEvents  byte = 0x04
	FlagSetTime byte = 0x08

	flagsAll = FlagName | FlagBattery | FlagEvents | FlagSetTime
)

// fetchRequestLen is the control byte plus a uint32 timestamp.
const fetchRequestLen = 5

// Classify returns the request kind for a peripheral: FetchDeviceState when
// the id is in the known set, IdentifyDevice otherwise.
func Classify(id string, known map[string]struct{}) RequestKind {
	if _, ok := known[id]; ok {
		return FetchDeviceState
	}
	return IdentifyDevice
}

// BuildRequest encodes the request for kind. now is only used by
// FetchDeviceState.
//
//	IdentifyDevice:   0x01
//	FetchDeviceState: 0x0F <uint32 big-endian Unix seconds>
func BuildRequest(kind RequestKind, now time.Time) ([]byte, error) {
	switch kind {
	case IdentifyDevice:
		return []byte{FlagName}, nil
	case FetchDeviceState:
		ts := now.Unix()
		if ts < 0 || ts > int64(^uint32(0)) {
			return nil, fmt.Errorf("protocol: timestamp %d does not fit in uint32", ts)
		}
		buf := make([]byte, fetchRequestLen)
		buf[0] = flagsAll
		binary.BigEndian.PutUint32(buf[1:], uint32(ts))
		return buf, nil
	default:
		return nil, fmt.Errorf("protocol: unknown request kind %d", int(kind))
	}
}
