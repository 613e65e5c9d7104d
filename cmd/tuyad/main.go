// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command tuyad is the long-running LAN discovery, monitoring and control
// daemon: it loads the device/model configuration, listens for discovery
// beacons on both UDP ports, drives each configured device's sense/control
// state machine, and serves the HTTP façade, all under one supervisor.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/thejerf/suture/v4"

	"github.com/calmh/tuyalocal/internal/api"
	"github.com/calmh/tuyalocal/internal/codec"
	"github.com/calmh/tuyalocal/internal/config"
	"github.com/calmh/tuyalocal/internal/controller"
	"github.com/calmh/tuyalocal/internal/crashreport"
	"github.com/calmh/tuyalocal/internal/devices"
	"github.com/calmh/tuyalocal/internal/discovery"
	"github.com/calmh/tuyalocal/internal/eventloop"
	"github.com/calmh/tuyalocal/internal/events"
	"github.com/calmh/tuyalocal/internal/metrics"
	"github.com/calmh/tuyalocal/internal/models"
	"github.com/calmh/tuyalocal/internal/slogutil"
	"github.com/calmh/tuyalocal/internal/svcutil"
)

type cli struct {
	Config    string `help:"Path to the JSON config file." default:"tuyalocal.json"`
	HTTPAddr  string `help:"Address the HTTP façade listens on." default:"127.0.0.1:8080"`
	SentryDSN string `help:"Sentry DSN for fatal-error reporting (optional)." default:""`
	LogLevel  string `help:"Minimum log level: debug, info, warn or error." default:"info" enum:"debug,info,warn,error"`
	HumanLogs bool   `help:"Log with a human-readable text handler instead of JSON." default:"false"`
	Encrypted bool   `help:"Listen for v3.3 encrypted discovery beacons." default:"true"`
	Plaintext bool   `help:"Listen for v3.1 plaintext discovery beacons." default:"true"`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("tuyad"),
		kong.Description("LAN-local discovery, monitoring and control daemon for Tuya Wi-Fi smart devices."),
	)

	configureLogging(c.LogLevel, c.HumanLogs)

	if err := crashreport.Configure(c.SentryDSN); err != nil {
		slog.Warn("failed to configure crash reporting", slogutil.Error(err))
	}

	if err := run(c); err != nil {
		slog.Error("fatal", slogutil.Error(err))
		crashreport.ReportFatal(err)
		os.Exit(1)
	}
}

func configureLogging(level string, humanLogs bool) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if humanLogs {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(c cli) error {
	if err := config.Dir(c.Config); err != nil {
		return fmt.Errorf("preparing config directory: %w", err)
	}
	doc, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	reg := models.NewRegistry(append(toRegistryModels(doc.Tuya.Models), models.Bundled()...))
	table := devices.NewTable()
	for _, d := range doc.Tuya.Devices {
		secret := codec.NewSecret(d.ID, d.Key, "3.3")
		table.LoadConfigured(d.ID, d.Name, d.Description, secret)
	}

	evLog := events.NewLogger()
	go logEvents(evLog)

	ctl := controller.New(table, reg, evLog, nil)
	for i := 0; i < table.Len(); i++ {
		metrics.RegisterDevice(table.At(i).ID)
	}

	ticker := eventloop.NewTicker(ctl)
	services := []suture.Service{ticker}

	if c.Plaintext {
		l, err := discovery.NewListener("plaintext", discovery.PlaintextPort, false, table, evLog)
		if err != nil {
			return fmt.Errorf("binding plaintext discovery listener: %w", err)
		}
		services = append(services, l)
	}
	if c.Encrypted {
		l, err := discovery.NewListener("encrypted", discovery.EncryptedPort, true, table, evLog)
		if err != nil {
			return fmt.Errorf("binding encrypted discovery listener: %w", err)
		}
		services = append(services, l)
	}

	httpServer := &http.Server{Addr: c.HTTPAddr, Handler: api.New(ctl, reg, c.Config)}
	httpService := svcutil.AsService(func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- httpServer.ListenAndServe() }()
		select {
		case <-ctx.Done():
			return httpServer.Shutdown(context.Background())
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	}, "api.Server")
	services = append(services, httpService)

	sup := eventloop.Supervisor("tuyad", services...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("tuyad starting", "http_addr", c.HTTPAddr, "devices", table.Len())
	return sup.Serve(ctx)
}

func toRegistryModels(in []config.Model) []models.Model {
	out := make([]models.Model, 0, len(in))
	for _, m := range in {
		out = append(out, models.Model{ProductKey: m.ID, FriendlyName: m.Name, ControlPoint: m.Control})
	}
	return out
}

// logEvents fans controller and discovery events out to structured
// logging; it's the only subscriber tuyad itself installs.
func logEvents(evLog *events.Logger) {
	for ev := range evLog.Subscribe(64) {
		slog.Info("event", "type", ev.Type.String(), "detail", ev.Detail)
	}
}
