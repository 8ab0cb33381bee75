/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"fmt"
	"time"
)

// GmosDynamic is the per-step instrument state for either GMOS site.
// Wavelengths are in nanometers, offsets in arcseconds.
type GmosDynamic struct {
	Exposure     time.Duration `json:"exposure"`
	Grating      string        `json:"grating"` // "mirror" for imaging
	GratingOrder int           `json:"grating_order"`
	WavelengthNm float64       `json:"wavelength_nm"`
	Filter       string        `json:"filter"`
	FPU          string        `json:"fpu"` // "none" for imaging
	XBin         int           `json:"x_bin"`
	YBin         int           `json:"y_bin"`
	ROI          string        `json:"roi"`
	ReadMode     string        `json:"read_mode"`
	AmpGain      string        `json:"amp_gain"`
}

// GmosStatic is the fixed-per-observation instrument state.
type GmosStatic struct {
	Detector      string `json:"detector"`
	StageMode     string `json:"stage_mode"`
	MosPreImaging bool   `json:"mos_pre_imaging"`
}

// DynamicConfig is the tagged per-step configuration. Exactly one variant
// pointer is set, matching the Instrument discriminator.
type DynamicConfig struct {
	Instrument Instrument   `json:"instrument"`
	GmosNorth  *GmosDynamic `json:"gmos_north,omitempty"`
	GmosSouth  *GmosDynamic `json:"gmos_south,omitempty"`
}

// Gmos returns the site-independent GMOS state for either variant.
func (d DynamicConfig) Gmos() (*GmosDynamic, error) {
	switch d.Instrument {
	case InstrumentGmosNorth:
		if d.GmosNorth == nil {
			return nil, fmt.Errorf("dynamic config tagged %s has no gmos north payload", d.Instrument)
		}
		return d.GmosNorth, nil
	case InstrumentGmosSouth:
		if d.GmosSouth == nil {
			return nil, fmt.Errorf("dynamic config tagged %s has no gmos south payload", d.Instrument)
		}
		return d.GmosSouth, nil
	default:
		return nil, fmt.Errorf("unknown instrument %q", d.Instrument)
	}
}

// StaticConfig is the tagged fixed configuration.
type StaticConfig struct {
	Instrument Instrument  `json:"instrument"`
	GmosNorth  *GmosStatic `json:"gmos_north,omitempty"`
	GmosSouth  *GmosStatic `json:"gmos_south,omitempty"`
}

// Gmos returns the site-independent GMOS static state for either variant.
func (s StaticConfig) Gmos() (*GmosStatic, error) {
	switch s.Instrument {
	case InstrumentGmosNorth:
		if s.GmosNorth == nil {
			return nil, fmt.Errorf("static config tagged %s has no gmos north payload", s.Instrument)
		}
		return s.GmosNorth, nil
	case InstrumentGmosSouth:
		if s.GmosSouth == nil {
			return nil, fmt.Errorf("static config tagged %s has no gmos south payload", s.Instrument)
		}
		return s.GmosSouth, nil
	default:
		return nil, fmt.Errorf("unknown instrument %q", s.Instrument)
	}
}

// StepType tags the StepConfig variant.
type StepType string

const (
	StepTypeScience StepType = "science"
	StepTypeGcal    StepType = "gcal"
	StepTypeBias    StepType = "bias"
	StepTypeDark    StepType = "dark"
)

// StepConfig is the tagged step variant: a science exposure with a spatial
// offset, or a calibration exposure with its lamp settings.
type StepConfig struct {
	Type StepType `json:"type"`

	// Science offsets (arcseconds along p/q).
	OffsetP float64 `json:"offset_p,omitempty"`
	OffsetQ float64 `json:"offset_q,omitempty"`

	// Gcal unit settings.
	GcalLamp     string `json:"gcal_lamp,omitempty"`
	GcalFilter   string `json:"gcal_filter,omitempty"`
	GcalDiffuser string `json:"gcal_diffuser,omitempty"`
	GcalShutter  string `json:"gcal_shutter,omitempty"`
}

// StepEstimate is the cost of one step, split into its two concurrent
// activities. The effective cost is the maximum of the two, not their sum.
type StepEstimate struct {
	ConfigChange TimeSpan `json:"config_change"`
	Detector     TimeSpan `json:"detector"`
}

// Total is the effective wall-clock cost of the step.
func (e StepEstimate) Total() TimeSpan {
	return e.ConfigChange.Max(e.Detector)
}

// SetupTime is the one-time cost before the first step of a visit.
type SetupTime struct {
	Full          TimeSpan `json:"full"`
	Reacquisition TimeSpan `json:"reacquisition"`
}

// ProtoStep is a planned, not-yet-recorded step.
type ProtoStep struct {
	Dynamic  DynamicConfig `json:"dynamic"`
	Step     StepConfig    `json:"step"`
	Estimate StepEstimate  `json:"estimate"`
}

// ProtoAtom is an ordered, non-empty run of planned steps that must execute
// together to be useful.
type ProtoAtom struct {
	SequenceType SequenceType `json:"sequence_type"`
	StepCount    int          `json:"step_count"`
	Steps        []ProtoStep  `json:"steps"`
}

// Validate checks the non-empty and step-count invariants.
func (a ProtoAtom) Validate() error {
	if len(a.Steps) == 0 {
		return fmt.Errorf("atom must contain at least one step")
	}
	if a.StepCount != len(a.Steps) {
		return fmt.Errorf("atom declares %d steps but contains %d", a.StepCount, len(a.Steps))
	}
	return nil
}

// EstimatedTotal sums the effective cost of every step in the atom.
func (a ProtoAtom) EstimatedTotal() TimeSpan {
	var total TimeSpan
	for _, s := range a.Steps {
		total = total.Add(s.Estimate.Total())
	}
	return total
}

// ProtoSequence is the full ordered plan for an observation.
type ProtoSequence struct {
	Atoms []ProtoAtom `json:"atoms"`
}

// Validate checks every atom.
func (s ProtoSequence) Validate() error {
	for i, a := range s.Atoms {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("atom %d: %w", i, err)
		}
	}
	return nil
}

// StepTotal counts steps across all atoms.
func (s ProtoSequence) StepTotal() int {
	n := 0
	for _, a := range s.Atoms {
		n += len(a.Steps)
	}
	return n
}
