// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package models holds the product-key -> control-data-point registry:
// which data point a given Tuya device model exposes for on/off control.
package models

import (
	"strings"
	"sync"
)

// Model maps one Tuya product key to a human-friendly name and the data
// point index that carries on/off state for that model.
type Model struct {
	ProductKey   string
	FriendlyName string
	ControlPoint int
}

// Registry is an in-memory, ordered list of Models, mutated only by
// configuration reload. Lookups are linear and case-insensitive, matching
// the small size of a realistic product-key table.
type Registry struct {
	mu     sync.RWMutex
	models []Model
	dirty  bool
}

// NewRegistry builds a Registry seeded with the given models.
func NewRegistry(models []Model) *Registry {
	return &Registry{models: append([]Model(nil), models...)}
}

// Lookup returns the ControlPoint for productKey, or 0 if no model is
// registered for it. A zero control point disables sense/control for any
// device of that model until the operator adds a mapping; this is
// expected behavior, not an error.
func (r *Registry) Lookup(productKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if strings.EqualFold(m.ProductKey, productKey) {
			return m.ControlPoint
		}
	}
	return 0
}

// Model returns the full record for productKey, if any.
func (r *Registry) Model(productKey string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if strings.EqualFold(m.ProductKey, productKey) {
			return m, true
		}
	}
	return Model{}, false
}

// All returns a copy of the current model list.
func (r *Registry) All() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Model(nil), r.models...)
}

// Replace swaps in a new model list wholesale (a config reload) and marks
// the registry dirty so the façade knows to persist it.
func (r *Registry) Replace(models []Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = append([]Model(nil), models...)
	r.dirty = true
}

// Dirty reports whether the registry has changed since the last
// ClearDirty.
func (r *Registry) Dirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}

// ClearDirty resets the dirty flag, typically after the façade has
// persisted the current model list.
func (r *Registry) ClearDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = false
}
