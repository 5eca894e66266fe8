package ble

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	propsIface        = "org.freedesktop.DBus.Properties"
	propsChanged      = propsIface + ".PropertiesChanged"
	objectManager     = "org.freedesktop.DBus.ObjectManager"
	interfacesRemoved = objectManager + ".InterfacesRemoved"
)

// BluezPowerSource reports the Powered property of a BlueZ adapter over
// the system D-Bus. tinygo/bluetooth has no power notifications, so on
// Linux this is what drives the adapter state.
type BluezPowerSource struct {
	hci string
}

// NewBluezPowerSource watches the adapter named hci (e.g. "hci0").
func NewBluezPowerSource(hci string) *BluezPowerSource {
	if hci == "" {
		hci = "hci0"
	}
	return &BluezPowerSource{hci: hci}
}

func (p *BluezPowerSource) path() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + p.hci)
}

// Watch reads the current Powered value, reports it, then reports every
// change until stop is called.
func (p *BluezPowerSource) Watch(report func(AdapterState)) (func(), error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	path := p.path()
	var v dbus.Variant
	if err := conn.Object(bluezBus, path).Call(propsIface+".Get", 0, bluezAdapterIface, "Powered").Store(&v); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read %s Powered: %w", p.hci, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("property Powered of %s is not bool", p.hci)
	}

	rules := []string{
		"type='signal',interface='" + propsIface + "',member='PropertiesChanged',path='" + string(path) + "'",
		"type='signal',interface='" + objectManager + "',member='InterfacesRemoved',path='/'",
	}
	for _, rule := range rules {
		if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			conn.Close()
			return nil, fmt.Errorf("add match: %w", call.Err)
		}
	}
	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)

	report(poweredState(powered))

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if s, ok := stateFromSignal(sig, path); ok {
					report(s)
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			conn.RemoveSignal(ch)
			conn.Close()
		})
	}
	return stop, nil
}

func poweredState(powered bool) AdapterState {
	if powered {
		return StatePoweredOn
	}
	return StatePoweredOff
}

// stateFromSignal extracts an adapter state from a BlueZ signal for the
// adapter at path. Removal of the adapter object reports StateUnknown.
func stateFromSignal(sig *dbus.Signal, path dbus.ObjectPath) (AdapterState, bool) {
	switch sig.Name {
	case propsChanged:
		// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
		if sig.Path != path || len(sig.Body) < 2 {
			return 0, false
		}
		iface, ok := sig.Body[0].(string)
		if !ok || iface != bluezAdapterIface {
			return 0, false
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return 0, false
		}
		v, ok := changed["Powered"]
		if !ok {
			return 0, false
		}
		powered, ok := v.Value().(bool)
		if !ok {
			return 0, false
		}
		return poweredState(powered), true

	case interfacesRemoved:
		// Body: [object_path ObjectPath, interfaces []string]
		if len(sig.Body) < 2 {
			return 0, false
		}
		removed, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok || removed != path {
			return 0, false
		}
		ifaces, ok := sig.Body[1].([]string)
		if !ok {
			return 0, false
		}
		for _, iface := range ifaces {
			if iface == bluezAdapterIface {
				return StateUnknown, true
			}
		}
	}
	return 0, false
}

// Compile-time check that BluezPowerSource implements PowerSource.
var _ PowerSource = (*BluezPowerSource)(nil)
