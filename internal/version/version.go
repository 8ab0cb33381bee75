/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build version information.
package version

// Version is the current version of the engine.
// Set at build time via ldflags:
//
//	-X github.com/apexobs/obsdb/internal/version.Version=X.Y.Z
var Version = "0.3.0"
