// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package slogutil provides small log/slog attribute helpers so call
// sites read the same way across packages.
package slogutil

import (
	"log/slog"
	"net"
)

// Error returns a slog.Attr for an error under the conventional "error" key.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Address returns a slog.Attr for a net.Addr under the conventional
// "address" key.
func Address(addr net.Addr) slog.Attr {
	if addr == nil {
		return slog.String("address", "")
	}
	return slog.String("address", addr.String())
}

// Device returns a slog.Attr for a device ID under the conventional
// "device" key.
func Device(id string) slog.Attr {
	return slog.String("device", id)
}
