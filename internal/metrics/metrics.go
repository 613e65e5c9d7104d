// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package metrics exposes the daemon's Prometheus collectors and a small
// rcrowley/go-metrics registry of rolling sense-latency timers kept
// alongside the Prometheus summary below: ObserveSenseLatency records each
// sample in both.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gometrics "github.com/rcrowley/go-metrics"
)

var (
	DevicesTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tuyalocal",
		Subsystem: "devices",
		Name:      "total",
		Help:      "Number of devices currently in the device table.",
	})

	DeviceStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tuyalocal",
		Subsystem: "devices",
		Name:      "status",
		Help:      "Last observed on/off status per device (1=on, 0=off).",
	}, []string{"device"})

	CommandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuyalocal",
		Subsystem: "controller",
		Name:      "commands_sent_total",
		Help:      "Total CONTROL frames sent, per device.",
	}, []string{"device"})

	CommandTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tuyalocal",
		Subsystem: "controller",
		Name:      "command_timeouts_total",
		Help:      "Total commands that timed out waiting for confirmation, per device.",
	}, []string{"device"})

	SilentDevices = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tuyalocal",
		Subsystem: "controller",
		Name:      "silent",
		Help:      "1 if the device is currently marked silent, 0 otherwise.",
	}, []string{"device"})

	SenseLatency = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  "tuyalocal",
		Subsystem:  "controller",
		Name:       "sense_latency_seconds",
		Help:       "Round-trip latency of QUERY sense exchanges, per device.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"device"})
)

// senseTimers holds a go-metrics rolling Timer per device, keyed by
// device ID. It backstops the Prometheus summary above with the same
// kind of exponentially-decaying reservoir sampling go-metrics is known
// for, giving operators a cheap in-process percentile view without
// scraping Prometheus.
var senseTimers = gometrics.NewRegistry()

// RegisterDevice ensures all per-device metrics exist (at zero) for
// deviceID, so dashboards don't show "no data" for a device that simply
// hasn't transitioned yet.
func RegisterDevice(deviceID string) {
	DeviceStatus.WithLabelValues(deviceID)
	CommandsSent.WithLabelValues(deviceID)
	CommandTimeouts.WithLabelValues(deviceID)
	SilentDevices.WithLabelValues(deviceID)
	SenseLatency.WithLabelValues(deviceID)
	senseTimer(deviceID)
}

func senseTimer(deviceID string) gometrics.Timer {
	name := "sense." + deviceID
	if t := senseTimers.Get(name); t != nil {
		return t.(gometrics.Timer)
	}
	return senseTimers.GetOrRegister(name, gometrics.NewTimer()).(gometrics.Timer)
}

// ObserveSenseLatency records d as a sense round-trip latency sample for
// deviceID in both the go-metrics rolling timer and the Prometheus
// summary.
func ObserveSenseLatency(deviceID string, d time.Duration) {
	senseTimer(deviceID).Update(d)
	SenseLatency.WithLabelValues(deviceID).Observe(d.Seconds())
}

// SenseTimerSnapshot returns the go-metrics rolling percentile snapshot
// for deviceID, for the /status façade endpoint to render without
// depending on a Prometheus scrape having happened.
func SenseTimerSnapshot(deviceID string) gometrics.TimerSnapshot {
	return senseTimer(deviceID).Snapshot()
}
