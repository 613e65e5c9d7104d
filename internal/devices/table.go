// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package devices

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/calmh/tuyalocal/internal/codec"
)

// Table is the index-addressed device registry. It is safe for concurrent
// use: membership changes and beacon merges (LoadConfigured, ApplyBeacon)
// happen under the table's own lock, while the control-state fields of
// the shared Device records are mutated by internal/controller under its
// own mutex.
type Table struct {
	mu      sync.RWMutex
	devices []*Device
	byID    map[string]int
	dirty   bool
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{byID: make(map[string]int)}
}

// Len returns the number of devices in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devices)
}

// At returns the device at index i, or nil if out of range. The returned
// pointer is shared: the table's lock does not cover its fields.
func (t *Table) At(i int) *Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.devices) {
		return nil
	}
	return t.devices[i]
}

// IndexOf returns the index of the device with the given ID, and whether
// it was found.
func (t *Table) IndexOf(id string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.byID[id]
	return i, ok
}

// Each calls fn for every device in index order. fn must not mutate the
// table's membership (add/remove); mutating a Device's fields in place is
// fine.
func (t *Table) Each(fn func(i int, d *Device)) {
	t.mu.RLock()
	devs := append([]*Device(nil), t.devices...)
	t.mu.RUnlock()
	for i, d := range devs {
		fn(i, d)
	}
}

// LoadConfigured inserts or updates a device from configuration. Config is
// authoritative for name/localKey/description; it never touches
// model/protocolVersion/ipAddress/encrypted, which only beacons set.
func (t *Table) LoadConfigured(id, name, description string, secret codec.Secret) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.byID[id]; ok {
		d := t.devices[i]
		d.Name = name
		d.Description = description
		version := d.Secret.ProtocolVersion
		d.Secret = secret
		if version != "" {
			d.Secret.ProtocolVersion = version
		}
		return i
	}
	d := &Device{ID: id, Name: name, Description: description, Secret: secret}
	i := len(t.devices)
	t.devices = append(t.devices, d)
	t.byID[id] = i
	return i
}

// ApplyBeacon merges a discovery beacon into the table. An unknown gwId
// inserts a placeholder device named "new_N" and marks the table dirty so
// the façade can persist it; a known device has its model/version/IP/
// encrypted/lastDetected fields refreshed from the beacon, which is
// authoritative for those fields. Returns the device's index and whether
// this beacon represents a newly-inserted device.
func (t *Table) ApplyBeacon(gwID, productKey, version string, encrypted bool, src net.IP, now time.Time) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, known := t.byID[gwID]
	if !known {
		d := &Device{
			ID:   gwID,
			Name: fmt.Sprintf("new_%d", len(t.devices)),
		}
		i = len(t.devices)
		t.devices = append(t.devices, d)
		t.byID[gwID] = i
		t.dirty = true
	}

	d := t.devices[i]
	d.Model = productKey
	if d.Secret.ProtocolVersion == "" || version != "" {
		d.Secret.ProtocolVersion = version
	}
	d.IPAddress = src
	d.Encrypted = encrypted
	d.LastDetected = now
	if d.MachineState == Silent {
		d.MachineState = Idle
	}
	d.Failed = false

	return i, !known
}

// Dirty reports whether the table has changed (a placeholder device
// inserted by ApplyBeacon, or a MarkDirty call) since the last ClearDirty.
func (t *Table) Dirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirty
}

// ClearDirty resets the dirty flag.
func (t *Table) ClearDirty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = false
}

// MarkDirty flags the table as changed, for callers that mutate a Device's
// fields directly via At() rather than through ApplyBeacon.
func (t *Table) MarkDirty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty = true
}
