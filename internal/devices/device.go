// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package devices holds the in-memory device table: the merged record of
// configured and discovered Tuya devices, addressed by index rather than
// pointer so a table growth during discovery never invalidates a handler's
// reference (see the design notes on index-based addressing).
package devices

import (
	"net"
	"time"

	"github.com/calmh/tuyalocal/internal/codec"
)

// State is an on/off value. The zero value is Off, the default for
// unknown/not-yet-observed status.
type State bool

const (
	Off State = false
	On  State = true
)

// Device is one Tuya device's full record: stable identity, reachability,
// and live control state.
type Device struct {
	// Stable identity, authoritative from config.
	ID          string
	Name        string
	Description string

	// Authoritative from config.
	Secret codec.Secret

	// Model/version/reachability, authoritative from the device's own
	// beacons.
	Model     string
	IPAddress net.IP
	Encrypted bool

	LastDetected time.Time

	// Control state.
	Status        State
	Commanded     State
	Pending       time.Time // zero means no command in flight
	PulseDeadline time.Time // zero means steady (no pending auto-revert)
	LastSense     time.Time
	ControlPoint  int // 0 until resolved via the model registry

	// socket is the in-flight TCP connection, if any. outBuffer is
	// whatever remains queued to write to it. internal/controller only
	// touches them (via CloseSocket) while holding its own mutex.
	socket    net.Conn
	outBuffer []byte

	// Failed marks a device that has gone silent (spec's "Silent" state);
	// it is cleared the moment a beacon is next seen.
	Failed bool

	// MachineState is the controller's current state-machine state for this
	// device; internal/controller owns its transitions.
	MachineState MachineState
}

// MachineState names a device's controller state.
type MachineState int

const (
	Idle MachineState = iota
	Sensing
	Commanding
	AwaitingConfirmation
	Silent
)

func (s MachineState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sensing:
		return "sensing"
	case Commanding:
		return "commanding"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Silent:
		return "silent"
	default:
		return "unknown"
	}
}

// Detected reports whether the device has ever been seen on the network.
func (d *Device) Detected() bool {
	return !d.LastDetected.IsZero()
}

// Socket returns the device's current in-flight connection, if any.
func (d *Device) Socket() net.Conn { return d.socket }

// SetSocket installs a new in-flight connection, closing and replacing any
// prior one: at most one TCP socket is open per device at a time.
func (d *Device) SetSocket(c net.Conn) {
	if d.socket != nil {
		d.socket.Close()
	}
	d.socket = c
	d.outBuffer = nil
}

// CloseSocket closes and clears any in-flight connection, resetting
// outBuffer.
func (d *Device) CloseSocket() {
	if d.socket != nil {
		d.socket.Close()
	}
	d.socket = nil
	d.outBuffer = nil
}

// OutBuffer returns the bytes queued to write on the current socket.
func (d *Device) OutBuffer() []byte { return d.outBuffer }

// SetOutBuffer replaces the queued write buffer.
func (d *Device) SetOutBuffer(b []byte) { d.outBuffer = b }
