// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package svcutil provides small thejerf/suture/v4 helpers: a
// debug-logging supervisor spec and an adapter from a bare serve function
// to a named suture.Service.
package svcutil

import (
	"context"
	"log/slog"
	"sync"

	"github.com/thejerf/suture/v4"
)

// SpecWithDebugLogger returns a suture.Spec that routes service restart
// events through log/slog at debug level instead of suture's default
// stderr logger, so a supervised service's transient failures don't spam
// normal daemon output.
func SpecWithDebugLogger() suture.Spec {
	return suture.Spec{
		EventHook: func(e suture.Event) {
			slog.Debug("supervisor event", "event", e.String())
		},
	}
}

// ServiceWithError is a suture.Service that remembers the error it last
// exited with.
type ServiceWithError interface {
	suture.Service
	Error() error
}

type asService struct {
	serve func(context.Context) error
	name  string
	mu    sync.Mutex
	err   error
}

// AsService adapts a plain serve function into a named suture.Service, for
// things (a UDP listener's read loop, an HTTP server's ListenAndServe)
// that don't otherwise implement the interface.
func AsService(serve func(context.Context) error, name string) ServiceWithError {
	return &asService{serve: serve, name: name}
}

func (s *asService) Serve(ctx context.Context) error {
	err := s.serve(ctx)
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return err
}

func (s *asService) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *asService) String() string { return s.name }
