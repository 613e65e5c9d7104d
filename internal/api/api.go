// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api implements the HTTP façade: device status, on/off control,
// and JSON config get/set, routed with github.com/julienschmidt/httprouter.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calmh/tuyalocal/internal/config"
	"github.com/calmh/tuyalocal/internal/controller"
	"github.com/calmh/tuyalocal/internal/devices"
	"github.com/calmh/tuyalocal/internal/metrics"
	"github.com/calmh/tuyalocal/internal/models"
	"github.com/calmh/tuyalocal/internal/slogutil"
)

const jsonContentType = "application/json"

// Server is the façade's core, independent of the net/http transport so
// it's easy to exercise with httptest.
type Server struct {
	ctl        *controller.Controller
	models     *models.Registry
	configPath string

	mux *httprouter.Router
}

// New builds a Server wired to ctl and reg, persisting config at
// configPath on writes.
func New(ctl *controller.Controller, reg *models.Registry, configPath string) *Server {
	s := &Server{ctl: ctl, models: reg, configPath: configPath}
	s.mux = httprouter.New()
	s.mux.GET("/status", s.handleStatus)
	s.mux.GET("/set", s.handleSet)
	s.mux.GET("/config", s.handleConfigGet)
	s.mux.POST("/config", s.handleConfigPost)
	s.mux.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type deviceStatus struct {
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	Commanded  string  `json:"commanded"`
	Deadline   string  `json:"deadline,omitempty"`
	Failure    string  `json:"failure,omitempty"`
	SenseP50Ms float64 `json:"sense_p50_ms,omitempty"`
	SenseP99Ms float64 `json:"sense_p99_ms,omitempty"`
}

func stateString(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// handleStatus serves GET /status: a JSON array of every device's current
// status, commanded state, pulse deadline and failure marker.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n := s.ctl.DeviceCount()
	out := make([]deviceStatus, 0, n)
	for i := 0; i < n; i++ {
		ds := deviceStatus{
			Name:      s.ctl.DeviceName(i),
			Status:    stateString(bool(s.ctl.Get(i))),
			Commanded: stateString(bool(s.ctl.Commanded(i))),
			Failure:   s.ctl.Failure(i),
		}
		if dl := s.ctl.Deadline(i); !dl.IsZero() {
			ds.Deadline = dl.Format(time.RFC3339)
		}
		if snap := metrics.SenseTimerSnapshot(ds.Name); snap.Count() > 0 {
			ds.SenseP50Ms = snap.Percentile(0.5) / float64(time.Millisecond)
			ds.SenseP99Ms = snap.Percentile(0.99) / float64(time.Millisecond)
		}
		out = append(out, ds)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSet serves GET /set?point=&state=&pulse=&cause=. point="all" fans
// out to every device.
func (s *Server) handleSet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	state, err := parseState(q.Get("state"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pulse, err := parsePulse(q.Get("pulse"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cause := q.Get("cause")

	point := q.Get("point")
	if point == "" {
		http.Error(w, "missing point", http.StatusBadRequest)
		return
	}

	now := time.Now()
	if point == "all" {
		n := s.ctl.DeviceCount()
		for i := 0; i < n; i++ {
			s.ctl.Set(i, state, pulse, cause, now)
		}
		writeJSON(w, http.StatusOK, map[string]any{"accepted": n})
		return
	}

	idx, err := strconv.Atoi(point)
	if err != nil {
		http.Error(w, "point must be an integer index or \"all\"", http.StatusBadRequest)
		return
	}
	accepted := s.ctl.Set(idx, state, pulse, cause, now)
	if accepted == 0 {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}

func parseState(s string) (devices.State, error) {
	switch strings.ToLower(s) {
	case "on", "1":
		return true, nil
	case "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("state must be one of on/off/1/0, got %q", s)
	}
}

func parsePulse(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("pulse must be a non-negative integer, got %q", s)
	}
	return n, nil
}

// handleConfigGet serves GET /config: the persisted JSON config document.
func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	doc, err := config.Load(s.configPath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleConfigPost serves POST /config: replaces the persisted config
// wholesale and reloads the model registry from it. A malformed body
// rejects the update with an error code, leaving live state untouched.
func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var doc config.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "malformed config body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := config.Save(s.configPath, doc); err != nil {
		slog.Error("failed to persist config", slogutil.Error(err))
		http.Error(w, "failed to persist config", http.StatusInternalServerError)
		return
	}

	reloaded := make([]models.Model, 0, len(doc.Tuya.Models))
	for _, m := range doc.Tuya.Models {
		reloaded = append(reloaded, toRegistryModel(m))
	}
	s.models.Replace(append(reloaded, models.Bundled()...))

	w.WriteHeader(http.StatusNoContent)
}

func toRegistryModel(m config.Model) models.Model {
	return models.Model{ProductKey: m.ID, FriendlyName: m.Name, ControlPoint: m.Control}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slogutil.Error(err))
	}
}
