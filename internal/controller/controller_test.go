// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/calmh/tuyalocal/internal/codec"
	"github.com/calmh/tuyalocal/internal/devices"
	"github.com/calmh/tuyalocal/internal/events"
	"github.com/calmh/tuyalocal/internal/messages"
	"github.com/calmh/tuyalocal/internal/models"
)

// fakeConn is a Conn backed by channels, standing in for a real TCP
// connection to a device in tests.
type fakeConn struct {
	written chan []byte
	toRead  chan []byte
	once    sync.Once
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		written: make(chan []byte, 4),
		toRead:  make(chan []byte, 4),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Write(p []byte) (int, error) {
	b := append([]byte(nil), p...)
	select {
	case c.written <- b:
	case <-c.closed:
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

func (c *fakeConn) Read(p []byte) (int, error) {
	select {
	case b := <-c.toRead:
		return copy(p, b), nil
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) SetDeadline(time.Time) error { return nil }

// fakeDialer hands out fakeConns, optionally pre-seeded with a canned
// response so the controller's read of a response completes immediately.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	response []byte
}

func (d *fakeDialer) DialContext(ctx context.Context, network, address string) (Conn, error) {
	c := newFakeConn()
	if d.response != nil {
		c.toRead <- d.response
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met within timeout")
	}
}

func newTestFixture(t *testing.T, dialer Dialer) (*Controller, *devices.Table, int) {
	t.Helper()
	table := devices.NewTable()
	secret := codec.NewSecret("dev1", "0123456789abcdef", "3.3")
	idx := table.LoadConfigured("dev1", "Lamp", "", secret)
	d := table.At(idx)
	d.IPAddress = net.ParseIP("192.168.1.50")
	d.Model = "bulb-v1"
	d.LastDetected = time.Unix(1000, 0)
	// A device that has recently been sensed so the 35s sense-scheduling
	// path doesn't fire incidentally inside tests that call Tick; tests
	// exercising sense scheduling directly override this.
	d.LastSense = time.Unix(1000, 0)

	reg := models.NewRegistry([]models.Model{{ProductKey: "bulb-v1", FriendlyName: "Bulb", ControlPoint: 20}})
	ev := events.NewLogger()
	ctl := New(table, reg, ev, dialer)
	return ctl, table, idx
}

// Scenario 2: Command-steady.
func TestSetSendsControlFrame(t *testing.T) {
	dialer := &fakeDialer{}
	ctl, table, idx := newTestFixture(t, dialer)
	now := time.Unix(2000, 0)

	if got := ctl.Set(idx, devices.On, 0, "ui", now); got != 1 {
		t.Fatalf("Set returned %d, want 1", got)
	}

	if want := now.Add(commandWindow); !ctl.Pending(idx).Equal(want) {
		t.Fatalf("pending = %v, want %v", ctl.Pending(idx), want)
	}

	var conn *fakeConn
	eventually(t, time.Second, func() bool {
		conn = dialer.lastConn()
		return conn != nil
	})

	var frame []byte
	select {
	case frame = <-conn.written:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for written frame")
	}

	secret := table.At(idx).Secret
	dec, ok := codec.Decode(frame, &secret)
	if !ok {
		t.Fatal("failed to decode sent frame")
	}
	if dec.Code != codec.Control {
		t.Fatalf("code = %d, want Control", dec.Code)
	}
	status, err := messages.ParseStatus(dec.Payload)
	if err != nil {
		t.Fatalf("parsing sent payload: %v", err)
	}
	on, err := status.BoolDP(20)
	if err != nil {
		t.Fatalf("reading dp 20: %v", err)
	}
	if !on {
		t.Fatal("dps.20 = false, want true")
	}
}

// Scenario 3: Confirmation.
func TestConfirmationEmitsConfirmedEvent(t *testing.T) {
	dialer := &fakeDialer{}
	ctl, _, idx := newTestFixture(t, dialer)
	now := time.Unix(2000, 0)
	sub := ctl.events.Subscribe(4)

	ctl.Set(idx, devices.On, 0, "ui", now)
	eventually(t, time.Second, func() bool { return ctl.MachineState(idx) != devices.Idle })

	if err := ctl.ApplyResponse(idx, codec.Status, mustMarshalDPS(t, 20, true), now.Add(time.Second)); err != nil {
		t.Fatalf("ApplyResponse: %v", err)
	}

	if got := ctl.Get(idx); got != devices.On {
		t.Fatalf("status = %v, want on", got)
	}
	if !ctl.Pending(idx).IsZero() {
		t.Fatal("pending should be cleared after confirmation")
	}

	select {
	case ev := <-sub:
		if ev.Type != events.Confirmed {
			t.Fatalf("event type = %v, want Confirmed", ev.Type)
		}
	default:
		t.Fatal("expected a CONFIRMED event")
	}
}

// Scenario 4: Pulse.
func TestPulseExpiryTriggersOffCommand(t *testing.T) {
	dialer := &fakeDialer{}
	ctl, table, idx := newTestFixture(t, dialer)
	t0 := time.Unix(3000, 0)
	table.At(idx).LastSense = t0
	table.At(idx).LastDetected = t0

	ctl.Set(idx, devices.On, 3, "ui", t0)
	if want := t0.Add(3 * time.Second); !ctl.Deadline(idx).Equal(want) {
		t.Fatalf("deadline = %v, want %v", ctl.Deadline(idx), want)
	}

	// Let the in-flight "on" command resolve via confirmation before the
	// pulse timer fires, so the pulse-expiry path under test is isolated.
	eventually(t, time.Second, func() bool { return ctl.MachineState(idx) != devices.Idle })
	if err := ctl.ApplyResponse(idx, codec.Status, mustMarshalDPS(t, 20, true), t0.Add(100*time.Millisecond)); err != nil {
		t.Fatalf("ApplyResponse: %v", err)
	}

	t3 := t0.Add(3 * time.Second)
	ctl.lastTick = time.Time{} // force the gated tick body to run
	ctl.Tick(t3)

	if got := ctl.Commanded(idx); got != devices.Off {
		t.Fatalf("commanded = %v, want off", got)
	}
	if want := t3.Add(pulseWindow); !ctl.Pending(idx).Equal(want) {
		t.Fatalf("pending = %v, want %v", ctl.Pending(idx), want)
	}
	if !ctl.Deadline(idx).IsZero() {
		t.Fatal("pulse deadline should be cleared")
	}

	eventually(t, time.Second, func() bool { return ctl.MachineState(idx) != devices.Idle })
	t4 := t3.Add(time.Second)
	if err := ctl.ApplyResponse(idx, codec.Status, mustMarshalDPS(t, 20, false), t4); err != nil {
		t.Fatalf("ApplyResponse: %v", err)
	}
	if got := ctl.Commanded(idx); got != devices.Off {
		t.Fatalf("commanded = %v, want off", got)
	}
	if !ctl.Deadline(idx).IsZero() {
		t.Fatal("pulse deadline should remain cleared")
	}
}

// Scenario 5: Silence.
func TestSilenceMarksFailureAndClearsState(t *testing.T) {
	dialer := &fakeDialer{}
	ctl, table, idx := newTestFixture(t, dialer)

	d := table.At(idx)
	d.Status = devices.On
	d.LastDetected = time.Unix(1000, 0)

	now := time.Unix(1000, 0).Add(101 * time.Second)
	ctl.lastTick = time.Time{}
	ctl.Tick(now)

	if got := ctl.Failure(idx); got != "silent" {
		t.Fatalf("Failure = %q, want silent", got)
	}
	if got := ctl.Get(idx); got != devices.Off {
		t.Fatalf("status = %v, want off", got)
	}
	if !ctl.Pending(idx).IsZero() {
		t.Fatal("pending should be cleared")
	}
	if d.Socket() != nil {
		t.Fatal("socket should be closed")
	}
}

// Scenario 6: External override.
func TestExternalOverrideEmitsChangedEvent(t *testing.T) {
	dialer := &fakeDialer{}
	ctl, table, idx := newTestFixture(t, dialer)
	d := table.At(idx)
	d.Status = devices.On
	d.Commanded = devices.On

	sub := ctl.events.Subscribe(4)
	now := time.Unix(5000, 0)
	if err := ctl.ApplyResponse(idx, codec.Status, mustMarshalDPS(t, 20, false), now); err != nil {
		t.Fatalf("ApplyResponse: %v", err)
	}

	if got := ctl.Get(idx); got != devices.Off {
		t.Fatalf("status = %v, want off", got)
	}
	if got := ctl.Commanded(idx); got != devices.Off {
		t.Fatalf("commanded = %v, want off", got)
	}

	select {
	case ev := <-sub:
		if ev.Type != events.Changed {
			t.Fatalf("event type = %v, want Changed", ev.Type)
		}
	default:
		t.Fatal("expected a CHANGED event")
	}
}

// Scenario: command retry then timeout.
func TestPendingCommandTimesOutWithoutConfirmation(t *testing.T) {
	dialer := &fakeDialer{}
	ctl, table, idx := newTestFixture(t, dialer)
	d := table.At(idx)
	d.Status = devices.Off
	d.Commanded = devices.On

	sub := ctl.events.Subscribe(4)

	// Within the command window: status still diverges from commanded, so
	// the tick should retry rather than give up.
	pending := time.Unix(6000, 0).Add(commandWindow)
	d.Pending = pending
	retryNow := pending.Add(-1 * time.Second)
	d.LastDetected = retryNow // keep the device well within silenceInterval
	ctl.lastTick = time.Time{}
	ctl.Tick(retryNow)

	if got := ctl.Pending(idx); !got.Equal(pending) {
		t.Fatalf("pending = %v, want unchanged %v during retry window", got, pending)
	}
	select {
	case ev := <-sub:
		t.Fatalf("unexpected event %v before the pending deadline elapses", ev.Type)
	default:
	}

	// Past the deadline: the controller gives up, logs TIMEOUT, and resets
	// commanded back to the last observed status.
	timeoutNow := pending.Add(time.Second)
	d.LastDetected = timeoutNow
	ctl.lastTick = time.Time{}
	ctl.Tick(timeoutNow)

	if got := ctl.Commanded(idx); got != devices.Off {
		t.Fatalf("commanded = %v, want off (reset to status)", got)
	}
	if !ctl.Pending(idx).IsZero() {
		t.Fatal("pending should be cleared after timeout")
	}
	if got := ctl.MachineState(idx); got != devices.Idle {
		t.Fatalf("machine state = %v, want Idle", got)
	}

	select {
	case ev := <-sub:
		if ev.Type != events.Timeout {
			t.Fatalf("event type = %v, want Timeout", ev.Type)
		}
	default:
		t.Fatal("expected a TIMEOUT event")
	}
}

func mustMarshalDPS(t *testing.T, dp int, value bool) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"dps": map[string]bool{fmt.Sprintf("%d", dp): value}})
	if err != nil {
		t.Fatalf("marshaling dps: %v", err)
	}
	return b
}
