// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the room
// engine.
//
// Configuration is loaded from a single file passed explicitly by the
// embedding process (via [LoadFile]). There are no fallbacks, no
// ~/.config discovery, and no environment-variable overrides. This
// ensures deterministic, auditable configuration: the limits that
// bound federation amplification (backfill depth and fan-out, request
// budget) come from exactly one place.
//
// Missing fields take the defaults from [Default]; unknown fields are
// rejected at load time.
package config
