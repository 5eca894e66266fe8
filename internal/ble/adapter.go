// Package ble provides the BLE engine that synchronizes a Tempo3 tracker.
// It watches the adapter power state, scans for peripherals advertising the
// Tempo3 serial service, and runs one request/response session at a time
// over the serial characteristic.
package ble

import (
	"context"
	"fmt"
)

// Tempo3 BLE UUIDs (HM-10 style serial bridge).
const (
	ServiceUUID    = "0000ffe0-0000-1000-8000-00805f9b34fb"
	SerialCharUUID = "0000ffe1-0000-1000-8000-00805f9b34fb"
)

// AdapterState is the power state of the radio adapter.
type AdapterState int32

const (
	StateUnknown AdapterState = iota
	StatePoweredOff
	StatePoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StatePoweredOff:
		return "powered_off"
	case StatePoweredOn:
		return "powered_on"
	default:
		return fmt.Sprintf("AdapterState(%d)", int32(s))
	}
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data without requesting a link-layer acknowledgement.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	ID   string // radio-assigned address, stable for one discovery session
	Name string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// OnStateChange registers a callback for power state reports.
	OnStateChange(callback func(AdapterState))
	// StartScan begins discovery of peripherals advertising serviceUUID.
	// onDiscover is called once per peripheral per scan. onEnd is called
	// once when the scan stops for any reason, with the radio error if any.
	StartScan(serviceUUID string, onDiscover func(Device), onEnd func(error)) error
	// StopScan halts discovery.
	StopScan() error
	// Connect establishes a connection to the peripheral with the given id.
	Connect(ctx context.Context, id string) (Connection, error)
}
