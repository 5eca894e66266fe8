package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// PowerSource reports adapter power transitions from the operating system.
// Watch calls report with the current state, then on every change, until
// the returned stop function is called.
type PowerSource interface {
	Watch(report func(AdapterState)) (stop func(), err error)
}

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS, peripheral ids are
// CoreBluetooth UUIDs; on Linux they are MAC addresses.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	power   PowerSource

	// mu protects every field below.
	mu          sync.Mutex
	stateCb     func(AdapterState)
	stopPower   func()
	addresses   map[string]bluetooth.Address // from the last scan, keyed by id
	connections map[string]*tinygoConnection
}

// NewTinyGoAdapter creates an adapter on the default radio. power may be
// nil, in which case a successful Enable is reported as powered on.
func NewTinyGoAdapter(power PowerSource) *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		power:       power,
		addresses:   make(map[string]bluetooth.Address),
		connections: make(map[string]*tinygoConnection),
	}
}

func (a *TinyGoAdapter) OnStateChange(cb func(AdapterState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateCb = cb
}

func (a *TinyGoAdapter) report(s AdapterState) {
	a.mu.Lock()
	cb := a.stateCb
	a.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		a.report(StatePoweredOff)
		return err
	}

	// tinygo/bluetooth fires this with connected=false when a peripheral
	// drops the link.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		delete(a.connections, id)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	if a.power == nil {
		a.report(StatePoweredOn)
		return nil
	}
	stop, err := a.power.Watch(a.report)
	if err != nil {
		slog.Warn("[BLE] power source unavailable, assuming powered on", "error", err)
		a.report(StatePoweredOn)
		return nil
	}
	a.mu.Lock()
	a.stopPower = stop
	a.mu.Unlock()
	return nil
}

func (a *TinyGoAdapter) StartScan(serviceUUID string, onDiscover func(Device), onEnd func(error)) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	// adapter.Scan blocks until StopScan.
	go func() {
		seen := make(map[string]bool)
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(uuid) {
				return
			}
			id := result.Address.String()
			if seen[id] {
				return
			}
			seen[id] = true
			a.mu.Lock()
			a.addresses[id] = result.Address
			a.mu.Unlock()
			onDiscover(Device{
				ID:   id,
				Name: result.LocalName(),
				RSSI: int(result.RSSI),
			})
		})
		onEnd(err)
	}()
	return nil
}

func (a *TinyGoAdapter) StopScan() error {
	return a.adapter.StopScan()
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	a.mu.Lock()
	addr, ok := a.addresses[id]
	a.mu.Unlock()
	if !ok {
		addr.Set(id)
	}

	// tinygo/bluetooth's Connect blocks with its own timeout; ctx only
	// bounds how long we wait for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			// Drop a connection that completes after we gave up.
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case result := <-ch:
		if result.err != nil {
			return nil, result.err
		}
		conn := &tinygoConnection{device: result.device}
		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()
		return conn, nil
	}
}

// Close stops the power source watch.
func (a *TinyGoAdapter) Close() {
	a.mu.Lock()
	stop := a.stopPower
	a.stopPower = nil
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinygoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinygoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("characteristic %s not found", charUUID)
	}

	return &tinygoCharacteristic{char: chars[0]}, nil
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}
