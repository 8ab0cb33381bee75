/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package estimator

import (
	"fmt"

	"github.com/apexobs/obsdb/internal/models"
)

// ConfigChange estimates the cost of moving the instrument from the
// previous step's configuration to the current one. A nil prev means this
// is the first step and the full first-configuration cost applies.
// Dispatches exhaustively on the instrument discriminator.
func ConfigChange(tables *Tables, prev *models.DynamicConfig, cur models.DynamicConfig) (models.TimeSpan, error) {
	it, err := tables.ForInstrument(cur.Instrument)
	if err != nil {
		return models.TimeSpan{}, err
	}

	switch cur.Instrument {
	case models.InstrumentGmosNorth, models.InstrumentGmosSouth:
		return gmosConfigChange(it, prev, cur)
	default:
		return models.TimeSpan{}, fmt.Errorf("unknown instrument %q", cur.Instrument)
	}
}

func gmosConfigChange(it *InstrumentTables, prev *models.DynamicConfig, cur models.DynamicConfig) (models.TimeSpan, error) {
	curG, err := cur.Gmos()
	if err != nil {
		return models.TimeSpan{}, err
	}

	if prev == nil {
		return it.ConfigChange.First, nil
	}
	if prev.Instrument != cur.Instrument {
		return models.TimeSpan{}, fmt.Errorf("instrument changed mid-sequence: %s to %s", prev.Instrument, cur.Instrument)
	}
	prevG, err := prev.Gmos()
	if err != nil {
		return models.TimeSpan{}, err
	}

	var cost models.TimeSpan
	if prevG.Filter != curG.Filter {
		cost = cost.Add(it.ConfigChange.Filter)
	}
	if prevG.Grating != curG.Grating || prevG.GratingOrder != curG.GratingOrder || prevG.WavelengthNm != curG.WavelengthNm {
		cost = cost.Add(it.ConfigChange.Disperser)
	}
	if prevG.FPU != curG.FPU {
		cost = cost.Add(it.ConfigChange.FPU)
	}
	return cost, nil
}

// Detector estimates exposure plus readout plus write overhead for one
// step. Pure: the same static/dynamic pair always yields the same cost.
func Detector(tables *Tables, static models.StaticConfig, cur models.DynamicConfig) (models.TimeSpan, error) {
	if static.Instrument != cur.Instrument {
		return models.TimeSpan{}, fmt.Errorf("static config is %s but step is %s", static.Instrument, cur.Instrument)
	}
	it, err := tables.ForInstrument(cur.Instrument)
	if err != nil {
		return models.TimeSpan{}, err
	}

	switch cur.Instrument {
	case models.InstrumentGmosNorth, models.InstrumentGmosSouth:
		return gmosDetector(it, cur)
	default:
		return models.TimeSpan{}, fmt.Errorf("unknown instrument %q", cur.Instrument)
	}
}

func gmosDetector(it *InstrumentTables, cur models.DynamicConfig) (models.TimeSpan, error) {
	g, err := cur.Gmos()
	if err != nil {
		return models.TimeSpan{}, err
	}

	exposure, err := models.NewTimeSpan(g.Exposure)
	if err != nil {
		return models.TimeSpan{}, fmt.Errorf("exposure: %w", err)
	}

	readout := it.Detector.Readout(g.XBin, g.YBin, g.ROI, g.ReadMode)
	return exposure.Add(readout).Add(it.Detector.WriteOverhead), nil
}

// foldState carries the previous-step context through the sequence fold.
type foldState struct {
	prev        *models.DynamicConfig
	prevOffsetP float64
	prevOffsetQ float64
	haveOffset  bool
}

// EstimateSequence attaches a StepEstimate to every step of the sequence
// with one left-to-right fold: each step is visited exactly once, in order,
// and the previous dynamic configuration is threaded forward explicitly.
// The input is not mutated; an estimated copy is returned.
func EstimateSequence(tables *Tables, static models.StaticConfig, seq models.ProtoSequence) (models.ProtoSequence, error) {
	out := models.ProtoSequence{Atoms: make([]models.ProtoAtom, len(seq.Atoms))}
	state := foldState{}

	for ai, atom := range seq.Atoms {
		outAtom := models.ProtoAtom{
			SequenceType: atom.SequenceType,
			StepCount:    atom.StepCount,
			Steps:        make([]models.ProtoStep, len(atom.Steps)),
		}
		for si, step := range atom.Steps {
			estimated, next, err := estimateStep(tables, static, state, step)
			if err != nil {
				return models.ProtoSequence{}, fmt.Errorf("atom %d step %d: %w", ai, si, err)
			}
			outAtom.Steps[si] = estimated
			state = next
		}
		out.Atoms[ai] = outAtom
	}

	return out, nil
}

func estimateStep(tables *Tables, static models.StaticConfig, state foldState, step models.ProtoStep) (models.ProtoStep, foldState, error) {
	cc, err := ConfigChange(tables, state.prev, step.Dynamic)
	if err != nil {
		return models.ProtoStep{}, state, err
	}

	// Telescope offsets are part of the configuration change for science
	// steps even though they live outside the instrument's dynamic state.
	if step.Step.Type == models.StepTypeScience && state.haveOffset {
		if step.Step.OffsetP != state.prevOffsetP || step.Step.OffsetQ != state.prevOffsetQ {
			it, err := tables.ForInstrument(step.Dynamic.Instrument)
			if err != nil {
				return models.ProtoStep{}, state, err
			}
			cc = cc.Add(it.ConfigChange.Offset)
		}
	}

	det, err := Detector(tables, static, step.Dynamic)
	if err != nil {
		return models.ProtoStep{}, state, err
	}

	estimated := step
	estimated.Estimate = models.StepEstimate{ConfigChange: cc, Detector: det}

	next := state
	dyn := step.Dynamic
	next.prev = &dyn
	if step.Step.Type == models.StepTypeScience {
		next.prevOffsetP = step.Step.OffsetP
		next.prevOffsetQ = step.Step.OffsetQ
		next.haveOffset = true
	}
	return estimated, next, nil
}
