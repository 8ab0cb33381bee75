/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package itc resolves required integration times for an observation's
// targets by calling the external Integration Time Calculator service.
package itc

import (
	"fmt"
	"sort"
	"strings"
)

// Param names a required input the ITC cannot do without. A closed set so
// error messages are exhaustive, deterministic, and sortable.
type Param string

const (
	ParamTarget         Param = "target"
	ParamObservingMode  Param = "observing mode"
	ParamBrightness     Param = "brightness measure"
	ParamRadialVelocity Param = "radial velocity"
	ParamWavelength     Param = "wavelength"
	ParamSignalToNoise  Param = "signal to noise"
)

// sortParams returns a sorted, de-duplicated copy.
func sortParams(params []Param) []Param {
	seen := make(map[Param]struct{}, len(params))
	out := make([]Param, 0, len(params))
	for _, p := range params {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MissingError reports absent required inputs. TargetID is empty when the
// gap is at the observation level (no mode, no asterism).
type MissingError struct {
	TargetID string
	Params   []Param
}

func (e *MissingError) Error() string {
	names := make([]string, len(e.Params))
	for i, p := range e.Params {
		names[i] = string(p)
	}
	joined := strings.Join(names, ", ")
	if e.TargetID != "" {
		return fmt.Sprintf("target %s: missing %s", e.TargetID, joined)
	}
	return fmt.Sprintf("missing %s", joined)
}

// NewMissingError sorts and de-duplicates the parameter list.
func NewMissingError(targetID string, params ...Param) *MissingError {
	return &MissingError{TargetID: targetID, Params: sortParams(params)}
}
