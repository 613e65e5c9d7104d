// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config loads and saves the daemon's single JSON config file
// (spec §6.3): devices and the product-key model registry, wrapped in a
// top-level "tuya" object. Saves are serialized against concurrent writers
// (two HTTP POSTs, or another process writing the same file) with a
// cross-process file lock.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Device is one device's persisted configuration.
type Device struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Model       string `json:"model,omitempty"`
	Key         string `json:"key"`
	Host        string `json:"host,omitempty"`
	Description string `json:"description,omitempty"`
}

// Model is one product-key -> control-point mapping's persisted form.
type Model struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Control int    `json:"control"`
}

// tuyaSection is the document's single top-level key.
type tuyaSection struct {
	Devices []Device `json:"devices"`
	Models  []Model  `json:"models"`
}

// Document is the full config file contents.
type Document struct {
	Tuya tuyaSection `json:"tuya"`
}

// Load reads and parses the config file at path. Unknown fields are
// tolerated; the Document struct simply ignores them.
func Load(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	for i, d := range doc.Tuya.Devices {
		if d.Name == "" || d.ID == "" || d.Key == "" {
			return Document{}, fmt.Errorf("config: device %d missing a required field (name/id/key)", i)
		}
	}
	return doc, nil
}

// Save atomically writes doc to path: it locks a sibling ".lock" file
// (gofrs/flock, held across the whole write) so two concurrent saves
// never interleave, then writes to a
// temp file and renames it into place so a reader never observes a
// partially-written document.
func Save(path string, doc Document) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("config: locking %s: %w", path, err)
	}
	defer lock.Unlock()

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("config: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: renaming %s to %s: %w", tmp, path, err)
	}
	return nil
}

// Dir ensures the parent directory of path exists.
func Dir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}
