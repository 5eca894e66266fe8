package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode is returned when a reassembled payload is not valid JSON or
// does not match the schema expected for the request that was sent.
var ErrDecode = errors.New("decode error")

// Event is one position change recorded by the device.
type Event struct {
	Timestamp int64 `json:"ts"`  // seconds since the Unix epoch
	Position  int64 `json:"pos"` // face of the tracker
}

// DeviceState is the decoded FetchDeviceState response.
type DeviceState struct {
	// PeripheralID is set by the receiver, it is not part of the payload.
	PeripheralID string  `json:"-"`
	Name         string  `json:"name"`
	Battery      string  `json:"battery"`
	Events       []Event `json:"events"`
}

// DeviceInfo is the loosely decoded IdentifyDevice response.
type DeviceInfo struct {
	Name string `json:"name"`
}

// rawDeviceState keeps required fields distinguishable from zero values.
type rawDeviceState struct {
	Name    *string          `json:"name"`
	Battery *string          `json:"battery"`
	Events  *json.RawMessage `json:"events"`
}

// DecodeDeviceState parses and validates a FetchDeviceState payload. name
// and battery must be strings and events must be an array of {ts, pos}
// integers.
func DecodeDeviceState(payload []byte) (DeviceState, error) {
	var raw rawDeviceState
	if err := json.Unmarshal(payload, &raw); err != nil {
		return DeviceState{}, fmt.Errorf("%w: device state: %v", ErrDecode, err)
	}
	if raw.Name == nil {
		return DeviceState{}, fmt.Errorf("%w: device state: missing string field \"name\"", ErrDecode)
	}
	if raw.Battery == nil {
		return DeviceState{}, fmt.Errorf("%w: device state: missing string field \"battery\"", ErrDecode)
	}
	if raw.Events == nil || !isArray(*raw.Events) {
		return DeviceState{}, fmt.Errorf("%w: device state: field \"events\" must be an array", ErrDecode)
	}

	var events []Event
	if err := json.Unmarshal(*raw.Events, &events); err != nil {
		return DeviceState{}, fmt.Errorf("%w: device state events: %v", ErrDecode, err)
	}
	if events == nil {
		events = []Event{}
	}

	return DeviceState{
		Name:    *raw.Name,
		Battery: *raw.Battery,
		Events:  events,
	}, nil
}

// DecodeDeviceInfo parses an IdentifyDevice payload. Only well-formed JSON
// is required; a missing or non-string name leaves Name empty.
func DecodeDeviceInfo(payload []byte) (DeviceInfo, error) {
	if !json.Valid(payload) {
		return DeviceInfo{}, fmt.Errorf("%w: device info: invalid JSON", ErrDecode)
	}
	var info DeviceInfo
	// Schema mismatches are tolerated here.
	_ = json.Unmarshal(payload, &info)
	return info, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
