/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// VisitRecord is one continuous observing session. It pins the instrument
// and the static configuration every child record must match.
type VisitRecord struct {
	ID            string         `gorm:"type:uuid;primaryKey"`
	ObservationID string         `gorm:"type:uuid;index"`
	Instrument    Instrument     `gorm:"type:varchar(32)"`
	Static        map[string]any `gorm:"serializer:json;type:jsonb"`
	CreatedAt     time.Time
}

// AtomRecord mirrors one executed (or executing) atom. AtomIndex is
// 1-based and strictly increasing within the visit; the (visit, index)
// pair is the atom's natural key.
type AtomRecord struct {
	ID            string       `gorm:"type:uuid;primaryKey"`
	VisitID       string       `gorm:"type:uuid;index;uniqueIndex:idx_visit_atom,priority:1"`
	ObservationID string       `gorm:"type:uuid;index"`
	Instrument    Instrument   `gorm:"type:varchar(32)"`
	SequenceType  SequenceType `gorm:"type:varchar(16)"`
	StepCount     int
	AtomIndex     int `gorm:"uniqueIndex:idx_visit_atom,priority:2"`
	CreatedAt     time.Time
}

// StepRecord mirrors one executed step. StepIndex is 1-based and strictly
// increasing within the atom.
type StepRecord struct {
	ID         string         `gorm:"type:uuid;primaryKey"`
	AtomID     string         `gorm:"type:uuid;index;uniqueIndex:idx_atom_step,priority:1"`
	VisitID    string         `gorm:"type:uuid;index"`
	Instrument Instrument     `gorm:"type:varchar(32)"`
	StepIndex  int            `gorm:"uniqueIndex:idx_atom_step,priority:2"`
	StepType   StepType       `gorm:"type:varchar(16)"`
	Exposure   time.Duration
	Dynamic    map[string]any `gorm:"serializer:json;type:jsonb"`
	StepCfg    map[string]any `gorm:"serializer:json;type:jsonb"`
	CreatedAt  time.Time
}

// DatasetRecord is one data product written for a step.
type DatasetRecord struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	StepID       string `gorm:"type:uuid;index;uniqueIndex:idx_step_dataset,priority:1"`
	VisitID      string `gorm:"type:uuid;index"`
	DatasetIndex int    `gorm:"uniqueIndex:idx_step_dataset,priority:2"`
	Filename     string `gorm:"index"`
	CreatedAt    time.Time
}

// EventType categorizes execution events.
type EventType string

const (
	EventSequenceCommand EventType = "sequence_command"
	EventStepStage       EventType = "step_stage"
	EventDatasetStage    EventType = "dataset_stage"
	EventSlew            EventType = "slew"
)

// Sequence commands reported by the telescope software.
const (
	CommandStart    = "start"
	CommandStop     = "stop"
	CommandPause    = "pause"
	CommandContinue = "continue"
	CommandAbort    = "abort"
)

// Stage transition values for step and dataset events.
const (
	StageStartObserve = "start_observe"
	StageEndObserve   = "end_observe"
	StageStartReadout = "start_readout"
	StageEndReadout   = "end_readout"
	StageStartWrite   = "start_write"
	StageEndWrite     = "end_write"
)

// ExecutionEvent is an immutable timestamped fact attached to exactly one
// record in the containment tree. Events are never updated or deleted.
type ExecutionEvent struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	VisitID       string    `gorm:"type:uuid;index"`
	ObservationID string    `gorm:"type:uuid;index"`
	AtomID        string    `gorm:"type:uuid;index"`
	StepID        string    `gorm:"type:uuid;index"`
	DatasetID     string    `gorm:"type:uuid"`
	EventType     EventType `gorm:"type:varchar(32)"`
	Command       string    `gorm:"type:varchar(16)"`
	Stage         string    `gorm:"type:varchar(32)"`
	Received      time.Time `gorm:"index"`
}

// TimeChargeCorrection is an explicit staff adjustment to a visit's charge.
// Amount is signed; a negative amount reduces the charge.
type TimeChargeCorrection struct {
	ID          string        `gorm:"type:uuid;primaryKey"`
	VisitID     string        `gorm:"type:uuid;index"`
	ChargeClass ChargeClass   `gorm:"type:varchar(16)"`
	Amount      time.Duration
	Reason      string `gorm:"type:varchar(64)"`
	Comment     string `gorm:"type:text"`
	CreatedAt   time.Time
}

// TimeChargeDiscount is stored time subtracted from a visit's charge,
// e.g. an interval lost to a fault.
type TimeChargeDiscount struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	VisitID   string `gorm:"type:uuid;index"`
	Start     time.Time
	End       time.Time
	Amount    time.Duration
	Comment   string `gorm:"type:text"`
	CreatedAt time.Time
}

// ChronCondition classifies a conditions-log interval.
type ChronCondition string

const (
	ConditionNominal     ChronCondition = "nominal"
	ConditionWeatherLoss ChronCondition = "weather_loss"
	ConditionFault       ChronCondition = "fault"
)

// ChronEntry is a logged environmental/conditions interval. Non-nominal
// entries overlapping a visit produce time discounts.
type ChronEntry struct {
	ID        string         `gorm:"type:uuid;primaryKey"`
	Start     time.Time      `gorm:"index"`
	End       time.Time      `gorm:"column:end_at;index"` // end is reserved on mysql
	Condition ChronCondition `gorm:"type:varchar(32)"`
	Comment   string         `gorm:"type:text"`
	CreatedAt time.Time
}
