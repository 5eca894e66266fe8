// Package app connects the BLE engine to configuration, onboarding and the
// event store.
package app

import (
	"context"
	"log/slog"
	"sync"

	"github.com/chaz8081/tempo3-sync/internal/ble"
	"github.com/chaz8081/tempo3-sync/internal/ble/protocol"
	"github.com/chaz8081/tempo3-sync/internal/config"
	"github.com/chaz8081/tempo3-sync/internal/onboard"
)

// Engine is the part of *ble.Engine the app drives.
type Engine interface {
	OnAdapterStateChanged(fn func(ble.AdapterState))
	OnDeviceStateUpdated(fn func(protocol.DeviceState))
	OnNewDeviceDiscovered(fn func(id string))
	OnSessionError(fn func(id string, err error))
	StartScanning(known []string)
	StopScanning()
	Run(ctx context.Context) error
}

// EventStore persists synced device states.
type EventStore interface {
	SaveState(ctx context.Context, state protocol.DeviceState) (int, error)
}

// App scans only while the adapter is powered on and the host is ready.
type App struct {
	engine  Engine
	store   EventStore
	confirm onboard.Confirmer
	cfgPath string

	ctx context.Context

	// Device states are stored off the engine loop by one goroutine, in
	// arrival order.
	saveMu sync.Mutex
	queued []protocol.DeviceState
	saving bool
	saves  sync.WaitGroup

	mu       sync.Mutex
	cfg      *config.Config
	powered  bool
	ready    bool
	pending  map[string]bool // onboarding in progress
	declined map[string]bool
}

// New wires the engine handlers. cfg is updated and saved to cfgPath when
// a device is onboarded.
func New(engine Engine, store EventStore, confirm onboard.Confirmer, cfg *config.Config, cfgPath string) *App {
	a := &App{
		engine:   engine,
		store:    store,
		confirm:  confirm,
		cfgPath:  cfgPath,
		ctx:      context.Background(),
		cfg:      cfg,
		pending:  make(map[string]bool),
		declined: make(map[string]bool),
	}
	engine.OnAdapterStateChanged(a.handleAdapterState)
	engine.OnDeviceStateUpdated(a.handleDeviceState)
	engine.OnNewDeviceDiscovered(a.handleNewDevice)
	engine.OnSessionError(a.handleSessionError)
	return a
}

// Run marks the host ready and runs the engine until ctx is cancelled. It
// returns once pending device states have been stored.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	a.SetReady(true)
	defer a.saves.Wait()
	defer a.SetReady(false)
	return a.engine.Run(ctx)
}

// SetReady gates scanning on the host side.
func (a *App) SetReady(ready bool) {
	a.mu.Lock()
	a.ready = ready
	a.mu.Unlock()
	a.updateScanning()
}

// KnownDevices returns a copy of the configured known peripheral ids.
func (a *App) KnownDevices() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cfg.KnownDevices...)
}

func (a *App) updateScanning() {
	a.mu.Lock()
	should := a.powered && a.ready
	known := append([]string(nil), a.cfg.KnownDevices...)
	a.mu.Unlock()

	if should {
		a.engine.StartScanning(known)
	} else {
		a.engine.StopScanning()
	}
}

func (a *App) handleAdapterState(s ble.AdapterState) {
	slog.Info("[APP] bluetooth adapter", "state", s)
	a.mu.Lock()
	a.powered = s == ble.StatePoweredOn
	a.mu.Unlock()
	a.updateScanning()
}

func (a *App) handleDeviceState(state protocol.DeviceState) {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	a.queued = append(a.queued, state)
	if !a.saving {
		a.saving = true
		a.saves.Add(1)
		go a.saveQueued()
	}
}

func (a *App) saveQueued() {
	defer a.saves.Done()

	a.mu.Lock()
	// A sync that already completed is stored even during shutdown.
	ctx := context.WithoutCancel(a.ctx)
	a.mu.Unlock()

	for {
		a.saveMu.Lock()
		if len(a.queued) == 0 {
			a.saving = false
			a.saveMu.Unlock()
			return
		}
		state := a.queued[0]
		a.queued = a.queued[1:]
		a.saveMu.Unlock()

		a.save(ctx, state)
	}
}

func (a *App) save(ctx context.Context, state protocol.DeviceState) {
	n, err := a.store.SaveState(ctx, state)
	if err != nil {
		slog.Error("[APP] failed to save device state", "peripheral", state.PeripheralID, "error", err)
		return
	}
	slog.Info("[APP] device synced", "peripheral", state.PeripheralID,
		"name", state.Name, "battery", state.Battery, "new_events", n)
}

func (a *App) handleNewDevice(id string) {
	a.mu.Lock()
	if a.pending[id] || a.declined[id] {
		a.mu.Unlock()
		return
	}
	a.pending[id] = true
	ctx := a.ctx
	a.mu.Unlock()

	// Confirmation may wait on the user; keep it off the engine loop.
	go a.onboard(ctx, id)
}

func (a *App) onboard(ctx context.Context, id string) {
	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	ok, err := a.confirm.Confirm(ctx, id)
	if err != nil {
		slog.Warn("[APP] onboarding aborted", "peripheral", id, "error", err)
		return
	}
	if !ok {
		slog.Info("[APP] device not added", "peripheral", id)
		a.mu.Lock()
		a.declined[id] = true
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	added := a.cfg.AddKnownDevice(id)
	var saveErr error
	if added && a.cfgPath != "" {
		saveErr = a.cfg.Save(a.cfgPath)
	}
	a.mu.Unlock()
	if !added {
		return
	}
	if saveErr != nil {
		slog.Error("[APP] failed to save config", "path", a.cfgPath, "error", saveErr)
	}
	slog.Info("[APP] device added", "peripheral", id)

	// The known set of a running scan is fixed; restart to pick up id.
	a.engine.StopScanning()
	a.updateScanning()
}

func (a *App) handleSessionError(id string, err error) {
	slog.Warn("[APP] sync failed", "peripheral", id, "error", err)
}
