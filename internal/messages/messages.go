// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package messages builds and parses the small JSON payloads carried
// inside Tuya wire frames: control commands, queries, and the discovery
// beacons devices broadcast.
package messages

import (
	"encoding/json"
	"fmt"
	"time"
)

// Control builds the JSON payload for a CONTROL frame that sets dp (the
// device's on/off data point) to state. uid is set equal to devID, which
// holds for the single-logical-device units this system controls.
func Control(devID string, dp int, state bool, now time.Time) []byte {
	// Composed by hand rather than via a struct + json.Marshal because the
	// data point key must be the stringified index ("20", not "dp20"),
	// which doesn't fit a fixed struct tag.
	payload := map[string]any{
		"devId": devID,
		"uid":   devID,
		"t":     fmt.Sprintf("%d", now.Unix()),
		"dps": map[string]bool{
			fmt.Sprintf("%d", dp): state,
		},
	}
	b, _ := json.Marshal(payload)
	return b
}

// Query builds the JSON payload for a QUERY frame.
func Query(devID string, now time.Time) []byte {
	payload := map[string]any{
		"devId": devID,
		"uid":   devID,
		"t":     fmt.Sprintf("%d", now.Unix()),
	}
	b, _ := json.Marshal(payload)
	return b
}

// StatusResponse is the subset of a STATUS/QUERY response payload this
// system understands: a map of data-point index (as a string key) to
// value.
type StatusResponse struct {
	DevID string                     `json:"devId"`
	DPS   map[string]json.RawMessage `json:"dps"`
}

// ParseStatus parses a STATUS or QUERY response body and returns it.
func ParseStatus(body []byte) (StatusResponse, error) {
	var r StatusResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return StatusResponse{}, fmt.Errorf("messages: parsing status response: %w", err)
	}
	return r, nil
}

// BoolDP extracts the boolean value of data point dp from a parsed status
// response. It returns an error if the data point is absent or not a JSON
// boolean - the controller treats either as "no usable value" and leaves
// status unchanged.
func (r StatusResponse) BoolDP(dp int) (bool, error) {
	raw, ok := r.DPS[fmt.Sprintf("%d", dp)]
	if !ok {
		return false, fmt.Errorf("messages: data point %d absent from response", dp)
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("messages: data point %d is not a boolean: %w", dp, err)
	}
	return v, nil
}

// Beacon is a parsed discovery announcement. Only the fields this system
// recognizes are kept; any others in the wire JSON are ignored.
type Beacon struct {
	GatewayID  string `json:"gwId"`
	ProductKey string `json:"productKey"`
	Encrypt    bool   `json:"encrypt"`
	Version    string `json:"version"`
	// IP is advisory only: the authoritative source address is the UDP
	// datagram's sender, not this field.
	IP string `json:"ip"`
}

// ParseBeacon parses a discovery beacon body. GatewayID and ProductKey are
// required; their absence makes the beacon unusable to the discovery
// listener.
func ParseBeacon(body []byte) (Beacon, error) {
	var b Beacon
	if err := json.Unmarshal(body, &b); err != nil {
		return Beacon{}, fmt.Errorf("messages: parsing beacon: %w", err)
	}
	if b.GatewayID == "" {
		return Beacon{}, fmt.Errorf("messages: beacon missing gwId")
	}
	if b.ProductKey == "" {
		return Beacon{}, fmt.Errorf("messages: beacon missing productKey")
	}
	return b, nil
}
