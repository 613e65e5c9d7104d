// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package messages

import (
	"encoding/json"
	"testing"
	"time"
)

func TestControlPayload(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := Control("dev1", 20, true, now)

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("control payload is not valid JSON: %v", err)
	}
	if m["devId"] != "dev1" || m["uid"] != "dev1" {
		t.Fatalf("devId/uid mismatch: %+v", m)
	}
	if m["t"] != "1700000000" {
		t.Fatalf("t mismatch: %+v", m["t"])
	}
	dps, ok := m["dps"].(map[string]any)
	if !ok {
		t.Fatalf("dps not an object: %+v", m["dps"])
	}
	if dps["20"] != true {
		t.Fatalf("dps.20 mismatch: %+v", dps)
	}
}

func TestQueryPayload(t *testing.T) {
	now := time.Unix(1700000000, 0)
	b := Query("dev1", now)
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if _, present := m["dps"]; present {
		t.Fatalf("query payload should not carry dps: %+v", m)
	}
}

func TestParseBeaconRequiredFields(t *testing.T) {
	_, err := ParseBeacon([]byte(`{"productKey":"keyXYZ"}`))
	if err == nil {
		t.Fatal("expected error for missing gwId")
	}
	_, err = ParseBeacon([]byte(`{"gwId":"abc123"}`))
	if err == nil {
		t.Fatal("expected error for missing productKey")
	}
}

func TestParseBeaconIgnoresUnknownFields(t *testing.T) {
	b, err := ParseBeacon([]byte(`{"gwId":"abc123","productKey":"keyXYZ","encrypt":true,"version":"3.3","ip":"10.0.0.5","somethingElse":42}`))
	if err != nil {
		t.Fatal(err)
	}
	if b.GatewayID != "abc123" || b.ProductKey != "keyXYZ" || !b.Encrypt || b.Version != "3.3" {
		t.Fatalf("unexpected parse: %+v", b)
	}
}

func TestStatusResponseBoolDP(t *testing.T) {
	r, err := ParseStatus([]byte(`{"devId":"dev1","dps":{"20":true,"2":12}}`))
	if err != nil {
		t.Fatal(err)
	}
	v, err := r.BoolDP(20)
	if err != nil || !v {
		t.Fatalf("BoolDP(20) = %v, %v", v, err)
	}
	if _, err := r.BoolDP(2); err == nil {
		t.Fatal("expected error for non-boolean data point")
	}
	if _, err := r.BoolDP(99); err == nil {
		t.Fatal("expected error for absent data point")
	}
}
