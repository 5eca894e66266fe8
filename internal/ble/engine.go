package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/tempo3-sync/internal/ble/protocol"
)

// Options configures the engine.
type Options struct {
	SettleDelay    time.Duration // wait between subscribing and writing the request
	RescanDelay    time.Duration // pause before scanning resumes after a session
	ConnectTimeout time.Duration
	Now            func() time.Time // clock for the request timestamp
}

// DefaultOptions returns the timings the Tempo3 firmware expects.
func DefaultOptions() Options {
	return Options{
		SettleDelay:    1 * time.Second,
		RescanDelay:    30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Now:            time.Now,
	}
}

// Engine discovers Tempo3 peripherals and runs one request/response
// session at a time. Radio callbacks, timers and API calls are funnelled
// into a single queue and executed in order by Run, so session state is
// only ever touched from one goroutine.
type Engine struct {
	adapter Adapter
	opts    Options

	// The queue is unbounded so that code running on the loop, including
	// collaborator callbacks, can enqueue without blocking it.
	qmu     sync.Mutex
	pending []func()
	stopped bool
	wake    chan struct{}

	ctx context.Context

	monitor stateMonitor
	scanner *scanner

	// Owned by the loop.
	active   *session
	wantScan bool
	known    []string
	rescan   *time.Timer

	mu      sync.Mutex
	onState func(protocol.DeviceState)
	onNew   func(id string)
	onError func(id string, err error)
}

// NewEngine creates an engine on top of adapter. Zero or negative option
// values fall back to DefaultOptions.
func NewEngine(adapter Adapter, opts Options) *Engine {
	def := DefaultOptions()
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = def.SettleDelay
	}
	if opts.RescanDelay <= 0 {
		opts.RescanDelay = def.RescanDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	e := &Engine{
		adapter: adapter,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		ctx:     context.Background(),
	}
	e.scanner = newScanner(adapter,
		func(dev Device) {
			e.enqueue(func() { e.handleDiscover(dev) })
		},
		func(cycle int, err error) {
			e.enqueue(func() { e.handleScanEnded(cycle, err) })
		})
	return e
}

// OnAdapterStateChanged registers fn for adapter power transitions.
func (e *Engine) OnAdapterStateChanged(fn func(AdapterState)) {
	e.monitor.Subscribe(fn)
}

// OnDeviceStateUpdated registers fn for successfully decoded device states.
func (e *Engine) OnDeviceStateUpdated(fn func(protocol.DeviceState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = fn
}

// OnNewDeviceDiscovered registers fn for peripherals that answered an
// identify request. fn receives the peripheral id, not the payload.
func (e *Engine) OnNewDeviceDiscovered(fn func(id string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onNew = fn
}

// OnSessionError registers fn for failed exchanges: protocol violations,
// subscription failures, decode errors and radio errors.
func (e *Engine) OnSessionError(fn func(id string, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

// AdapterState returns the last reported adapter power state.
func (e *Engine) AdapterState() AdapterState {
	return e.monitor.Current()
}

// StartScanning starts a scan cycle with the given known peripheral ids.
// It is a no-op while already scanning; to change the known set, call
// StopScanning first.
func (e *Engine) StartScanning(known []string) {
	ids := append([]string(nil), known...)
	e.enqueue(func() {
		e.wantScan = true
		e.cancelRescan()
		if e.scanner.scanning {
			return
		}
		e.known = ids
		if err := e.scanner.start(ids); err != nil {
			slog.Error("[BLE] failed to start scanning", "error", err)
		}
	})
}

// StopScanning halts discovery. An in-flight session is not cancelled.
func (e *Engine) StopScanning() {
	e.enqueue(func() {
		e.wantScan = false
		e.cancelRescan()
		if err := e.scanner.stop(); err != nil {
			slog.Warn("[BLE] failed to stop scanning", "error", err)
		}
	})
}

// Run enables the adapter and processes events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stop()
	e.ctx = ctx

	e.adapter.OnStateChange(func(s AdapterState) {
		e.enqueue(func() { e.handleAdapterState(s) })
	})
	if err := e.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	for {
		select {
		case <-e.wake:
			for _, fn := range e.drain() {
				fn()
			}
		case <-ctx.Done():
			e.shutdown()
			return nil
		}
	}
}

// enqueue schedules fn on the loop. It never blocks and drops fn once Run
// has returned.
func (e *Engine) enqueue(fn func()) {
	e.qmu.Lock()
	if e.stopped {
		e.qmu.Unlock()
		return
	}
	e.pending = append(e.pending, fn)
	e.qmu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) drain() []func() {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	batch := e.pending
	e.pending = nil
	return batch
}

func (e *Engine) stop() {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	e.stopped = true
	e.pending = nil
}

func (e *Engine) shutdown() {
	e.wantScan = false
	e.cancelRescan()
	if err := e.scanner.stop(); err != nil {
		slog.Warn("[BLE] failed to stop scanning", "error", err)
	}
	if e.active != nil {
		e.close(e.active)
	}
}

func (e *Engine) handleAdapterState(s AdapterState) {
	if !e.monitor.set(s) {
		return
	}
	if s != StatePoweredOn {
		e.cancelRescan()
		if err := e.scanner.stop(); err != nil {
			slog.Warn("[BLE] failed to stop scanning", "error", err)
		}
	}
	e.monitor.notify(s)
}

// handleScanEnded clears a radio scan that stopped on its own, for example
// when the stack refused to start it, and retries after RescanDelay.
func (e *Engine) handleScanEnded(cycle int, err error) {
	if !e.scanner.ended(cycle) {
		return
	}
	if err != nil {
		slog.Warn("[BLE] scan ended with error", "error", err)
	} else {
		slog.Warn("[BLE] scan ended unexpectedly")
	}
	if e.active == nil {
		e.scheduleRescan()
	}
}

func (e *Engine) handleDiscover(dev Device) {
	if !e.scanner.scanning {
		slog.Debug("[BLE] discovery after scan stopped, ignoring", "peripheral", dev.ID)
		return
	}
	if e.active != nil {
		slog.Debug("[BLE] session in progress, ignoring peripheral", "peripheral", dev.ID)
		return
	}

	kind := protocol.Classify(dev.ID, e.scanner.known)
	req, err := protocol.BuildRequest(kind, e.opts.Now())
	if err != nil {
		e.reportError(dev.ID, err)
		return
	}

	// Discovery halts while the session runs.
	if err := e.scanner.stop(); err != nil {
		slog.Warn("[BLE] failed to stop scanning", "error", err)
	}

	sess := newSession(dev, kind, req, e.opts.Now())
	e.active = sess
	slog.Info("[BLE] discovered peripheral",
		"peripheral", dev.ID, "name", dev.Name, "rssi", dev.RSSI,
		"request", kind, "session", sess.id)

	if err := sess.advance(sessionConnecting); err != nil {
		e.fail(sess, err)
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.ConnectTimeout)
	go func() {
		defer cancel()
		conn, err := e.adapter.Connect(ctx, dev.ID)
		e.enqueue(func() { e.handleConnected(sess, conn, err) })
	}()
}

func (e *Engine) handleConnected(sess *session, conn Connection, err error) {
	if !e.current(sess) {
		if conn != nil {
			go func() { _ = conn.Disconnect() }()
		}
		return
	}
	if err != nil {
		e.fail(sess, fmt.Errorf("ble: connect to %s: %w", sess.device.ID, err))
		return
	}
	sess.conn = conn
	conn.OnDisconnect(func() {
		e.enqueue(func() { e.handlePeripheralDisconnect(sess) })
	})
	slog.Info("[BLE] connected", "peripheral", sess.device.ID, "session", sess.id)

	if err := sess.advance(sessionServiceDiscovery); err != nil {
		e.fail(sess, err)
		return
	}
	go func() {
		char, err := conn.DiscoverCharacteristic(ServiceUUID, SerialCharUUID)
		e.enqueue(func() { e.handleCharacteristic(sess, char, err) })
	}()
}

func (e *Engine) handleCharacteristic(sess *session, char Characteristic, err error) {
	if !e.current(sess) {
		return
	}
	if err != nil {
		e.fail(sess, fmt.Errorf("ble: discover serial characteristic: %w", err))
		return
	}
	sess.char = char

	if err := sess.advance(sessionSubscribing); err != nil {
		e.fail(sess, err)
		return
	}
	go func() {
		err := char.Subscribe(func(data []byte) {
			// The radio stack may reuse its buffer.
			buf := append([]byte(nil), data...)
			e.enqueue(func() { e.handleFragment(sess, buf) })
		})
		e.enqueue(func() { e.handleSubscribed(sess, err) })
	}()
}

func (e *Engine) handleSubscribed(sess *session, err error) {
	if !e.current(sess) {
		return
	}
	if err != nil {
		e.fail(sess, fmt.Errorf("%w: %v", ErrSubscription, err))
		return
	}
	if err := sess.advance(sessionAwaitingSend); err != nil {
		e.fail(sess, err)
		return
	}
	slog.Debug("[BLE] subscribed to notifications", "session", sess.id)

	// The peripheral needs time to register the subscription before the write.
	sess.settle = time.AfterFunc(e.opts.SettleDelay, func() {
		e.enqueue(func() { e.handleSettled(sess) })
	})
}

func (e *Engine) handleSettled(sess *session) {
	if !e.current(sess) || sess.state != sessionAwaitingSend {
		return
	}
	if err := sess.advance(sessionReceiving); err != nil {
		e.fail(sess, err)
		return
	}
	slog.Info("[BLE] sending request", "request", sess.kind, "bytes", fmt.Sprintf("% x", sess.request), "session", sess.id)

	char, req := sess.char, sess.request
	go func() {
		if err := char.Write(req); err != nil {
			e.enqueue(func() {
				if e.current(sess) {
					e.fail(sess, fmt.Errorf("ble: write request: %w", err))
				}
			})
		}
	}()
}

func (e *Engine) handleFragment(sess *session, data []byte) {
	if !e.current(sess) {
		return
	}
	if sess.state != sessionReceiving {
		slog.Warn("[BLE] notification before request, dropping", "bytes", len(data), "state", sess.state, "session", sess.id)
		return
	}

	msg, done, err := sess.frames.Feed(data)
	if err != nil {
		e.fail(sess, fmt.Errorf("ble: peripheral %s: %w", sess.device.ID, err))
		return
	}
	if !done {
		return
	}
	slog.Info("[BLE] message received", "bytes", len(msg), "session", sess.id)
	e.route(sess, msg)
	e.close(sess)
}

// route decodes a complete message according to the request that was sent
// and hands it to the registered handler.
func (e *Engine) route(sess *session, msg []byte) {
	e.mu.Lock()
	onState, onNew := e.onState, e.onNew
	e.mu.Unlock()

	switch sess.kind {
	case protocol.FetchDeviceState:
		state, err := protocol.DecodeDeviceState(msg)
		if err != nil {
			e.reportError(sess.device.ID, err)
			return
		}
		state.PeripheralID = sess.device.ID
		slog.Info("[BLE] device state synced",
			"peripheral", sess.device.ID, "name", state.Name,
			"battery", state.Battery, "events", len(state.Events))
		if onState == nil {
			slog.Warn("[BLE] no device state handler registered, discarding")
			return
		}
		onState(state)

	case protocol.IdentifyDevice:
		info, err := protocol.DecodeDeviceInfo(msg)
		if err != nil {
			e.reportError(sess.device.ID, err)
			return
		}
		slog.Info("[BLE] new device identified", "peripheral", sess.device.ID, "name", info.Name)
		if onNew == nil {
			slog.Warn("[BLE] no new device handler registered, discarding")
			return
		}
		onNew(sess.device.ID)
	}
}

func (e *Engine) handlePeripheralDisconnect(sess *session) {
	if !e.current(sess) {
		return
	}
	slog.Warn("[BLE] peripheral disconnected before response", "peripheral", sess.device.ID, "state", sess.state, "session", sess.id)
	sess.conn = nil
	e.close(sess)
}

// current reports whether sess is the active, still open session. Events
// from older sessions are dropped.
func (e *Engine) current(sess *session) bool {
	return e.active == sess && sess.open()
}

func (e *Engine) fail(sess *session, err error) {
	e.reportError(sess.device.ID, err)
	e.close(sess)
}

func (e *Engine) reportError(id string, err error) {
	slog.Error("[BLE] session failed", "peripheral", id, "error", err)
	e.mu.Lock()
	onError := e.onError
	e.mu.Unlock()
	if onError != nil {
		onError(id, err)
	}
}

// close tears the session down and schedules the next scan cycle.
func (e *Engine) close(sess *session) {
	if sess.state == sessionClosed {
		return
	}
	_ = sess.advance(sessionDisconnecting)
	if sess.settle != nil {
		sess.settle.Stop()
	}
	sess.frames.Reset()
	if conn := sess.conn; conn != nil {
		go func() {
			if err := conn.Disconnect(); err != nil {
				slog.Warn("[BLE] disconnect failed", "peripheral", sess.device.ID, "error", err)
			}
		}()
	}
	_ = sess.advance(sessionClosed)
	if e.active == sess {
		e.active = nil
	}
	slog.Info("[BLE] session closed", "peripheral", sess.device.ID, "session", sess.id,
		"elapsed", e.opts.Now().Sub(sess.started).Round(time.Millisecond))
	e.scheduleRescan()
}

func (e *Engine) scheduleRescan() {
	if !e.wantScan || e.monitor.Current() != StatePoweredOn {
		return
	}
	e.cancelRescan()
	var t *time.Timer
	t = time.AfterFunc(e.opts.RescanDelay, func() {
		e.enqueue(func() {
			if e.rescan == t {
				e.rescan = nil
			}
			e.resumeScan()
		})
	})
	e.rescan = t
}

func (e *Engine) resumeScan() {
	if !e.wantScan || e.active != nil || e.monitor.Current() != StatePoweredOn {
		return
	}
	if err := e.scanner.start(e.known); err != nil {
		slog.Error("[BLE] failed to resume scanning", "error", err)
	}
}

func (e *Engine) cancelRescan() {
	if e.rescan != nil {
		e.rescan.Stop()
		e.rescan = nil
	}
}
