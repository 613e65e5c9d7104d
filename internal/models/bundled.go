// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package models

// Bundled seeds a fresh install with the product-key -> control-point
// mappings implied by the standalone CLI tool's `type` shortcut (bulb,
// light -> DP 20; switch -> DP 1), so a device of one of these classes
// senses/controls correctly before the operator edits the config file's
// models list.
func Bundled() []Model {
	return []Model{
		{ProductKey: "bulb", FriendlyName: "Generic smart bulb", ControlPoint: 20},
		{ProductKey: "light", FriendlyName: "Generic smart light", ControlPoint: 20},
		{ProductKey: "switch", FriendlyName: "Generic smart switch", ControlPoint: 1},
	}
}
