// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package crashreport is a thin, optional panic/fatal-error reporting
// sink, backed by github.com/getsentry/raven-go. It is a no-op until a
// DSN is configured - reporting is strictly observational and never
// itself a source of failure for the daemon.
package crashreport

import (
	"log/slog"
	"sync"

	"github.com/getsentry/raven-go"

	"github.com/calmh/tuyalocal/internal/slogutil"
)

var (
	mu     sync.Mutex
	client *raven.Client
)

// Configure installs the Sentry DSN used to report fatal errors. An empty
// dsn disables reporting (the default).
func Configure(dsn string) error {
	mu.Lock()
	defer mu.Unlock()
	if dsn == "" {
		client = nil
		return nil
	}
	c, err := raven.New(dsn)
	if err != nil {
		return err
	}
	client = c
	return nil
}

// ReportFatal reports err as a fatal condition (tuyad calls it with
// whatever error aborts its run: a config directory or load failure, a
// discovery-socket bind failure, or the supervisor's exit error) and
// blocks until the
// report is sent or dropped. It never returns an error: a
// reporting failure is logged and swallowed, since it must not mask the
// original fatal condition.
func ReportFatal(err error) {
	slog.Error("fatal error", slogutil.Error(err))

	mu.Lock()
	c := client
	mu.Unlock()
	if c == nil {
		return
	}

	packet := raven.NewPacket(err.Error(), raven.NewException(err, raven.NewStacktrace(1, 3, nil)))
	eventID, ch := c.Capture(packet, nil)
	if eventID == "" {
		return
	}
	if sendErr := <-ch; sendErr != nil {
		slog.Warn("failed to report fatal error upstream", slogutil.Error(sendErr))
	}
}

// Recover is deferred at the top of the controller's per-exchange
// goroutine (Controller.runExchange): it reports and swallows a panic so
// one device's misbehaving response never takes the whole daemon down
// (those goroutines run outside the suture supervisor that restarts the
// top-level services).
func Recover() {
	if r := recover(); r != nil {
		slog.Error("recovered from panic in event loop handler", "panic", r)
		mu.Lock()
		c := client
		mu.Unlock()
		if c != nil {
			c.CaptureMessage("recovered panic", map[string]string{"panic": toString(r)})
		}
	}
}

func toString(v any) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return "non-string panic value"
}
