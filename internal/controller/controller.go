// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package controller implements the per-device state machine - Idle,
// Sensing, Commanding, AwaitingConfirmation, Silent - that drives sense and
// control exchanges with Tuya devices and reconciles their responses: a
// single owner of mutable per-unit state, driven by a periodic tick plus
// externally-triggered operations, reporting transitions through an event
// logger.
package controller

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/calmh/tuyalocal/internal/codec"
	"github.com/calmh/tuyalocal/internal/crashreport"
	"github.com/calmh/tuyalocal/internal/devices"
	"github.com/calmh/tuyalocal/internal/events"
	"github.com/calmh/tuyalocal/internal/messages"
	"github.com/calmh/tuyalocal/internal/metrics"
	"github.com/calmh/tuyalocal/internal/models"
)

const (
	tcpPort = 6668

	senseInterval   = 35 * time.Second
	tickInterval    = 5 * time.Second
	silenceInterval = 100 * time.Second

	// commandWindow is how long a freshly issued Set waits for
	// confirmation before giving up. pulseWindow is the shorter window
	// used when the command instead originates from a pulse expiry - an
	// asymmetry preserved exactly as found (see the open question this
	// resolves).
	commandWindow = 10 * time.Second
	pulseWindow   = 5 * time.Second

	exchangeTimeout = 3 * time.Second
)

// Conn is the minimal connection surface the controller needs from a
// transport, satisfied by *net.TCPConn and by fakes in tests.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// Dialer opens a Conn to a device. The default wraps net.Dialer; tests
// substitute a fake that exercises the state machine without a real
// network.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (Conn, error)
}

// netDialer adapts net.Dialer to Dialer.
type netDialer struct {
	d net.Dialer
}

func (n netDialer) DialContext(ctx context.Context, network, address string) (Conn, error) {
	return n.d.DialContext(ctx, network, address)
}

// Controller owns the control-state fields of every Device in table (see
// devices.Device's "Control state" fields) and the goroutines that perform
// their TCP exchanges. All mutation of those fields happens under mu,
// matching the single-lock allowance the design notes make for a
// multi-threaded reimplementation of the originally single-threaded loop.
type Controller struct {
	table  *devices.Table
	models *models.Registry
	events *events.Logger
	dialer Dialer

	mu       sync.Mutex
	seq      map[string]uint32
	lastTick time.Time
}

// New builds a Controller over table and models, reporting transitions to
// ev. A nil Dialer uses the real network.
func New(table *devices.Table, reg *models.Registry, ev *events.Logger, dialer Dialer) *Controller {
	if dialer == nil {
		dialer = netDialer{}
	}
	return &Controller{
		table:  table,
		models: reg,
		events: ev,
		dialer: dialer,
		seq:    make(map[string]uint32),
	}
}

// DeviceCount returns the number of devices in the table.
func (c *Controller) DeviceCount() int { return c.table.Len() }

// DeviceName returns the name of the device at index i, or "" if out of
// range.
func (c *Controller) DeviceName(i int) string {
	d := c.table.At(i)
	if d == nil {
		return ""
	}
	return d.Name
}

// Get returns the last observed status of the device at index i.
func (c *Controller) Get(i int) devices.State {
	d := c.table.At(i)
	if d == nil {
		return devices.Off
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return d.Status
}

// Commanded returns the device's currently commanded state.
func (c *Controller) Commanded(i int) devices.State {
	d := c.table.At(i)
	if d == nil {
		return devices.Off
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return d.Commanded
}

// Deadline returns the device's pulse deadline, or the zero time if none
// is pending.
func (c *Controller) Deadline(i int) time.Time {
	d := c.table.At(i)
	if d == nil {
		return time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return d.PulseDeadline
}

// Pending returns the in-flight command deadline for device i, or the
// zero time if no command is currently pending.
func (c *Controller) Pending(i int) time.Time {
	d := c.table.At(i)
	if d == nil {
		return time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return d.Pending
}

// MachineState returns the device's current controller state.
func (c *Controller) MachineState(i int) devices.MachineState {
	d := c.table.At(i)
	if d == nil {
		return devices.Idle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return d.MachineState
}

// Failure returns "silent" if the device at index i is in the Silent
// state, or "" otherwise.
func (c *Controller) Failure(i int) string {
	d := c.table.At(i)
	if d == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.MachineState == devices.Silent {
		return "silent"
	}
	return ""
}

// Set records a desired state for the device at index i. If pulseSeconds
// is positive, the state auto-reverts to off after that many seconds. It
// returns 1 if accepted, 0 if the index is unknown. cause is accepted but
// not recorded: the CONFIRMED/CHANGED/TIMEOUT events carry only the
// device ID and index.
func (c *Controller) Set(i int, state devices.State, pulseSeconds int, cause string, now time.Time) int {
	d := c.table.At(i)
	if d == nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d.ControlPoint = c.models.Lookup(d.Model)
	d.Commanded = state
	if pulseSeconds > 0 {
		d.PulseDeadline = now.Add(time.Duration(pulseSeconds) * time.Second)
	} else {
		d.PulseDeadline = time.Time{}
	}

	if !d.Pending.IsZero() {
		// A command is already in flight; the bookkeeping above is all
		// that's needed - no second TCP attempt.
		return 1
	}

	d.Pending = now.Add(commandWindow)
	if d.Detected() && d.MachineState != devices.Silent {
		c.startCommand(i, d, cause, now)
	}
	return 1
}

// Tick runs the controller's periodic pass, gated to run its body at most
// once every tickInterval even if called more often (the event loop calls
// it at 1 Hz).
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	if !c.lastTick.IsZero() && now.Sub(c.lastTick) < tickInterval {
		c.mu.Unlock()
		return
	}
	c.lastTick = now
	c.mu.Unlock()

	metrics.DevicesTotal.Set(float64(c.table.Len()))

	c.table.Each(func(i int, d *devices.Device) {
		c.tickDevice(i, d, now)
	})
}

func (c *Controller) tickDevice(i int, d *devices.Device, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d.ControlPoint = c.models.Lookup(d.Model)

	// Silence detection takes priority over everything else.
	if !d.LastDetected.IsZero() && now.Sub(d.LastDetected) > silenceInterval {
		if d.MachineState != devices.Silent {
			d.CloseSocket()
			d.MachineState = devices.Silent
			d.Failed = true
			d.Status = devices.Off
			d.Pending = time.Time{}
			d.PulseDeadline = time.Time{}
			d.LastDetected = time.Time{}
			metrics.SilentDevices.WithLabelValues(d.ID).Set(1)
		}
		return
	}

	// Sense scheduling: only when otherwise idle and no command pending.
	if d.Pending.IsZero() && d.MachineState == devices.Idle && d.Detected() && d.ControlPoint != 0 && now.Sub(d.LastSense) >= senseInterval {
		c.startSense(i, d, now)
	}

	// Pulse expiry: synthesize the off-command.
	if !d.PulseDeadline.IsZero() && !now.Before(d.PulseDeadline) {
		d.Commanded = devices.Off
		d.Pending = now.Add(pulseWindow)
		d.PulseDeadline = time.Time{}
	}

	// Retry/timeout for an in-flight command.
	if !d.Pending.IsZero() {
		if d.Status != d.Commanded {
			if now.Before(d.Pending) {
				if d.Detected() && d.MachineState != devices.Commanding && d.MachineState != devices.AwaitingConfirmation {
					c.startCommand(i, d, "retry", now)
				}
			} else {
				c.events.Log(events.Timeout, map[string]any{"device": d.ID, "index": i})
				metrics.CommandTimeouts.WithLabelValues(d.ID).Inc()
				d.Commanded = d.Status
				d.Pending = time.Time{}
				d.CloseSocket()
				d.MachineState = devices.Idle
			}
		} else {
			d.Pending = time.Time{}
		}
	}
}

// startCommand transitions d into Commanding and launches the CONTROL
// exchange. Caller must hold c.mu.
func (c *Controller) startCommand(i int, d *devices.Device, cause string, now time.Time) {
	if d.ControlPoint == 0 || d.IPAddress == nil {
		return
	}
	d.MachineState = devices.Commanding
	metrics.CommandsSent.WithLabelValues(d.ID).Inc()
	go c.runExchange(i, d.ID, d.IPAddress.String(), codec.Control, messages.Control(d.ID, d.ControlPoint, bool(d.Commanded), now), d.Secret, now)
}

// startSense transitions d into Sensing and launches the QUERY exchange.
// Caller must hold c.mu.
func (c *Controller) startSense(i int, d *devices.Device, now time.Time) {
	if d.IPAddress == nil {
		return
	}
	d.MachineState = devices.Sensing
	d.LastSense = now
	go c.runExchange(i, d.ID, d.IPAddress.String(), codec.Query, messages.Query(d.ID, now), d.Secret, now)
}

// nextSeq returns the next outgoing wire sequence number for deviceID.
func (c *Controller) nextSeq(deviceID string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq[deviceID]++
	return c.seq[deviceID]
}

// runExchange performs one synchronous TCP round trip: dial, write the
// encoded frame, read one response, decode it, and hand it to
// applyResponse. It always closes the connection and, on any failure,
// returns the device to Idle so the next tick can retry, both for sensing
// and for the equivalent command fallback.
func (c *Controller) runExchange(i int, deviceID, ip string, code uint32, payload []byte, secret codec.Secret, now time.Time) {
	defer crashreport.Recover()

	started := now
	addr := fmt.Sprintf("%s:%d", ip, tcpPort)

	ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.failExchange(i)
		return
	}
	defer conn.Close()

	frame, err := codec.Encode(&secret, code, c.nextSeq(deviceID), payload)
	if err != nil {
		c.failExchange(i)
		return
	}

	conn.SetDeadline(time.Now().Add(exchangeTimeout))
	if _, err := conn.Write(frame); err != nil {
		c.failExchange(i)
		return
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		c.failExchange(i)
		return
	}

	dec, ok := codec.Decode(buf[:n], &secret)
	if !ok {
		c.failExchange(i)
		return
	}

	// A CONTROL reply is explicitly discarded as a value source - devices
	// lie in that frame. It only advances the state machine to
	// AwaitingConfirmation; the real value arrives via a later STATUS or
	// QUERY response.
	if dec.Code == codec.Control {
		c.mu.Lock()
		if d := c.table.At(i); d != nil && d.MachineState != devices.Silent {
			d.CloseSocket()
			d.MachineState = devices.AwaitingConfirmation
		}
		c.mu.Unlock()
		return
	}

	if code == codec.Query {
		metrics.ObserveSenseLatency(deviceID, time.Since(started))
	}

	c.applyResponse(i, dec.Code, dec.Payload, time.Now())
}

// failExchange returns a device to Idle after a transport-level failure,
// leaving any pending command/pulse bookkeeping untouched so the next
// tick's retry/timeout logic handles it.
func (c *Controller) failExchange(i int) {
	d := c.table.At(i)
	if d == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d.CloseSocket()
	if d.MachineState != devices.Silent {
		d.MachineState = devices.Idle
	}
}

// ApplyResponse is the hook a real transport layer calls once a STATUS or
// QUERY response frame has been read and decoded; it is also what tests
// call directly to simulate "feed a STATUS frame" scenarios without a
// socket. code must be codec.Status or codec.Query; any other code is
// ignored (CONTROL-reply frames are deliberately discarded, since devices
// lie in that frame).
func (c *Controller) ApplyResponse(i int, code uint32, payload []byte, now time.Time) error {
	if code != codec.Status && code != codec.Query {
		return nil
	}
	return c.applyResponse(i, code, payload, now)
}

func (c *Controller) applyResponse(i int, code uint32, payload []byte, now time.Time) error {
	d := c.table.At(i)
	if d == nil {
		return fmt.Errorf("controller: unknown device index %d", i)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d.CloseSocket()
	if d.MachineState != devices.Silent {
		d.MachineState = devices.Idle
	}

	d.ControlPoint = c.models.Lookup(d.Model)
	if d.ControlPoint == 0 {
		return nil
	}

	status, err := messages.ParseStatus(payload)
	if err != nil {
		return nil
	}
	observed, err := status.BoolDP(d.ControlPoint)
	if err != nil {
		return nil
	}

	metrics.DeviceStatus.WithLabelValues(d.ID).Set(boolToFloat(observed))

	prior := d.Status
	observedState := devices.State(observed)

	if !d.Pending.IsZero() {
		if observedState == d.Commanded {
			d.Status = observedState
			d.Pending = time.Time{}
			c.events.Log(events.Confirmed, map[string]any{"device": d.ID, "index": i})
		} else if observedState != prior {
			d.Status = observedState
			d.Commanded = observedState
			d.Pending = time.Time{}
			c.events.Log(events.Changed, map[string]any{"device": d.ID, "index": i})
		}
		// Else: still diverging from commanded, matches prior status -
		// leave pending in place for the tick's retry logic.
		return nil
	}

	if observedState != prior {
		d.Status = observedState
		d.Commanded = observedState
		c.events.Log(events.Changed, map[string]any{"device": d.ID, "index": i})
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
