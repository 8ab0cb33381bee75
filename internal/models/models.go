/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// Instrument is the closed set of instruments the engine understands.
// Every tagged configuration and every execution record carries one, and
// all estimator/recorder dispatch switches on it exhaustively.
type Instrument string

const (
	InstrumentGmosNorth Instrument = "gmos_north"
	InstrumentGmosSouth Instrument = "gmos_south"
)

// Valid reports whether the instrument is a known variant.
func (i Instrument) Valid() bool {
	return i == InstrumentGmosNorth || i == InstrumentGmosSouth
}

// ChargeClass partitions executed time for accounting purposes.
type ChargeClass string

const (
	ChargeClassProgram    ChargeClass = "program"
	ChargeClassPartner    ChargeClass = "partner"
	ChargeClassNonCharged ChargeClass = "non_charged"
)

// SequenceType distinguishes acquisition atoms from science atoms.
type SequenceType string

const (
	SequenceAcquisition SequenceType = "acquisition"
	SequenceScience     SequenceType = "science"
)

// Program is the top-level allocation unit observations belong to.
type Program struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Name      string `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Observation carries the scientific configuration for one pointing: the
// observing-mode parameters (long slit), the static instrument setup, and
// the accounting class. The asterism is the set of Targets referencing it.
type Observation struct {
	ID          string      `gorm:"type:uuid;primaryKey"`
	ProgramID   string      `gorm:"type:uuid;index"`
	Title       string      `gorm:"index"`
	Instrument  Instrument  `gorm:"type:varchar(32)"`
	ChargeClass ChargeClass `gorm:"type:varchar(16)"`

	// Observing mode (long slit). HasMode is false when the observation has
	// not been configured yet; the resolver reports it as a missing parameter.
	HasMode             bool
	Grating             string  `gorm:"type:varchar(32)"`
	Filter              string  `gorm:"type:varchar(32)"`
	FPU                 string  `gorm:"type:varchar(32)"`
	CentralWavelengthNm float64 // nanometers
	SignalToNoise       float64 // required S/N at SNWavelengthNm
	SNWavelengthNm      float64

	// Static configuration.
	Detector      string `gorm:"type:varchar(32)"`
	StageMode     string `gorm:"type:varchar(32)"`
	MosPreImaging bool

	// Per-step detector defaults.
	XBin     int
	YBin     int
	ROI      string `gorm:"type:varchar(32)"`
	ReadMode string `gorm:"type:varchar(16)"`
	AmpGain  string `gorm:"type:varchar(16)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Target is one member of an observation's asterism. Brightness and radial
// velocity are optional; the ITC requires both and their absence is reported
// per target as missing parameters.
type Target struct {
	ID                string `gorm:"type:uuid;primaryKey"`
	ObservationID     string `gorm:"type:uuid;index"`
	Name              string `gorm:"index"`
	BrightnessMag     *float64
	RadialVelocityKmS *float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
