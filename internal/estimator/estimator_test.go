/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package estimator

import (
	"testing"
	"time"

	"github.com/apexobs/obsdb/internal/models"
)

func loadTables(t *testing.T) *Tables {
	t.Helper()
	tables, err := Load("")
	if err != nil {
		t.Fatalf("load embedded tables: %v", err)
	}
	return tables
}

func northDynamic(mutate func(*models.GmosDynamic)) models.DynamicConfig {
	g := &models.GmosDynamic{
		Exposure:     60 * time.Second,
		Grating:      "B600",
		GratingOrder: 1,
		WavelengthNm: 500,
		Filter:       "none",
		FPU:          "0.75arcsec",
		XBin:         1,
		YBin:         1,
		ROI:          "full_frame",
		ReadMode:     "slow",
	}
	if mutate != nil {
		mutate(g)
	}
	return models.DynamicConfig{Instrument: models.InstrumentGmosNorth, GmosNorth: g}
}

func northStatic() models.StaticConfig {
	return models.StaticConfig{
		Instrument: models.InstrumentGmosNorth,
		GmosNorth:  &models.GmosStatic{Detector: "hamamatsu", StageMode: "follow_xy"},
	}
}

func TestConfigChangeFirstStep(t *testing.T) {
	tables := loadTables(t)

	cost, err := ConfigChange(tables, nil, northDynamic(nil))
	if err != nil {
		t.Fatalf("ConfigChange: %v", err)
	}
	if cost.Duration() != 2*time.Minute {
		t.Fatalf("first-step cost = %v, want 2m", cost.Duration())
	}
}

func TestConfigChangeSumsChangedSettings(t *testing.T) {
	tables := loadTables(t)
	prev := northDynamic(nil)

	tests := []struct {
		name string
		cur  models.DynamicConfig
		want time.Duration
	}{
		{
			name: "no changes",
			cur:  northDynamic(nil),
			want: 0,
		},
		{
			name: "filter only",
			cur:  northDynamic(func(g *models.GmosDynamic) { g.Filter = "g" }),
			want: 20 * time.Second,
		},
		{
			name: "wavelength moves the disperser",
			cur:  northDynamic(func(g *models.GmosDynamic) { g.WavelengthNm = 505 }),
			want: 90 * time.Second,
		},
		{
			name: "filter and fpu",
			cur: northDynamic(func(g *models.GmosDynamic) {
				g.Filter = "g"
				g.FPU = "1.0arcsec"
			}),
			want: 80 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, err := ConfigChange(tables, &prev, tt.cur)
			if err != nil {
				t.Fatalf("ConfigChange: %v", err)
			}
			if cost.Duration() != tt.want {
				t.Fatalf("cost = %v, want %v", cost.Duration(), tt.want)
			}
		})
	}
}

func TestDetectorUsesReadoutTable(t *testing.T) {
	tables := loadTables(t)

	cost, err := Detector(tables, northStatic(), northDynamic(nil))
	if err != nil {
		t.Fatalf("Detector: %v", err)
	}
	// 60s exposure + 71.9s full-frame slow readout + 10s write overhead.
	want := 60*time.Second + 71900*time.Millisecond + 10*time.Second
	if cost.Duration() != want {
		t.Fatalf("cost = %v, want %v", cost.Duration(), want)
	}
}

func TestDetectorFallsBackForUnlistedReadout(t *testing.T) {
	tables := loadTables(t)
	cur := northDynamic(func(g *models.GmosDynamic) {
		g.XBin = 4
		g.YBin = 4
	})

	cost, err := Detector(tables, northStatic(), cur)
	if err != nil {
		t.Fatalf("Detector: %v", err)
	}
	want := 60*time.Second + 80*time.Second + 10*time.Second
	if cost.Duration() != want {
		t.Fatalf("cost = %v, want %v", cost.Duration(), want)
	}
}

func TestDetectorRejectsInstrumentMismatch(t *testing.T) {
	tables := loadTables(t)
	static := models.StaticConfig{
		Instrument: models.InstrumentGmosSouth,
		GmosSouth:  &models.GmosStatic{},
	}

	if _, err := Detector(tables, static, northDynamic(nil)); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestEstimateSequenceThreadsPreviousConfig(t *testing.T) {
	tables := loadTables(t)
	static := northStatic()

	seq := models.ProtoSequence{Atoms: []models.ProtoAtom{
		{
			SequenceType: models.SequenceScience,
			StepCount:    2,
			Steps: []models.ProtoStep{
				{Dynamic: northDynamic(nil), Step: models.StepConfig{Type: models.StepTypeScience}},
				{Dynamic: northDynamic(func(g *models.GmosDynamic) { g.Filter = "g" }), Step: models.StepConfig{Type: models.StepTypeScience}},
			},
		},
		{
			SequenceType: models.SequenceScience,
			StepCount:    1,
			Steps: []models.ProtoStep{
				// Same config as the last step of the previous atom: the fold
				// must carry state across atom boundaries.
				{Dynamic: northDynamic(func(g *models.GmosDynamic) { g.Filter = "g" }), Step: models.StepConfig{Type: models.StepTypeScience}},
			},
		},
	}}

	out, err := EstimateSequence(tables, static, seq)
	if err != nil {
		t.Fatalf("EstimateSequence: %v", err)
	}

	if got := out.Atoms[0].Steps[0].Estimate.ConfigChange.Duration(); got != 2*time.Minute {
		t.Errorf("step 0 config change = %v, want 2m (first configuration)", got)
	}
	if got := out.Atoms[0].Steps[1].Estimate.ConfigChange.Duration(); got != 20*time.Second {
		t.Errorf("step 1 config change = %v, want 20s (filter)", got)
	}
	if got := out.Atoms[1].Steps[0].Estimate.ConfigChange.Duration(); got != 0 {
		t.Errorf("step 2 config change = %v, want 0 (unchanged across atoms)", got)
	}

	// All estimate components are non-negative by construction.
	for ai, atom := range out.Atoms {
		for si, step := range atom.Steps {
			if step.Estimate.ConfigChange.Duration() < 0 || step.Estimate.Detector.Duration() < 0 {
				t.Fatalf("atom %d step %d has negative estimate component", ai, si)
			}
		}
	}

	// The input sequence is untouched.
	if !seq.Atoms[0].Steps[0].Estimate.Total().IsZero() {
		t.Error("EstimateSequence mutated its input")
	}
}

func TestEstimateSequenceChargesOffsetMoves(t *testing.T) {
	tables := loadTables(t)
	static := northStatic()

	seq := models.ProtoSequence{Atoms: []models.ProtoAtom{{
		SequenceType: models.SequenceScience,
		StepCount:    2,
		Steps: []models.ProtoStep{
			{Dynamic: northDynamic(nil), Step: models.StepConfig{Type: models.StepTypeScience, OffsetQ: 0}},
			{Dynamic: northDynamic(nil), Step: models.StepConfig{Type: models.StepTypeScience, OffsetQ: 15}},
		},
	}}}

	out, err := EstimateSequence(tables, static, seq)
	if err != nil {
		t.Fatalf("EstimateSequence: %v", err)
	}
	if got := out.Atoms[0].Steps[1].Estimate.ConfigChange.Duration(); got != 7*time.Second {
		t.Fatalf("offset move cost = %v, want 7s", got)
	}
}
