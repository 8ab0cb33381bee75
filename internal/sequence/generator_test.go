/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/apexobs/obsdb/internal/estimator"
	"github.com/apexobs/obsdb/internal/itc"
	"github.com/apexobs/obsdb/internal/models"
)

// fakeResolver returns a canned result set for every observation.
type fakeResolver struct {
	results []itc.TargetResult
}

func (f *fakeResolver) LookupObservation(_ context.Context, obs models.Observation, _ bool) (*itc.ResultSet, error) {
	return itc.NewResultSet(obs.ID, f.results), nil
}

func successResolver(exposure time.Duration, count int) *fakeResolver {
	return &fakeResolver{results: []itc.TargetResult{{
		Kind:     itc.KindSuccess,
		TargetID: "t0",
		Result:   &itc.Result{ExposureTime: exposure, ExposureCount: count, SignalToNoise: 100},
	}}}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Observation{}, &models.AtomRecord{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedObservation(t *testing.T, db *gorm.DB) models.Observation {
	t.Helper()
	obs := models.Observation{
		ID:                  "obs-1",
		ProgramID:           "prog-1",
		Instrument:          models.InstrumentGmosNorth,
		ChargeClass:         models.ChargeClassProgram,
		HasMode:             true,
		Grating:             "B600",
		FPU:                 "0.75arcsec",
		CentralWavelengthNm: 500,
		SignalToNoise:       100,
		SNWavelengthNm:      500,
		Detector:            "hamamatsu",
		StageMode:           "follow_xy",
		XBin:                1,
		YBin:                2,
		ROI:                 "full_frame",
		ReadMode:            "slow",
		AmpGain:             "low",
	}
	if err := db.Create(&obs).Error; err != nil {
		t.Fatalf("seed observation: %v", err)
	}
	return obs
}

func newTestGenerator(t *testing.T, db *gorm.DB, resolver ModeResolver) *Generator {
	t.Helper()
	tables, err := estimator.Load("")
	if err != nil {
		t.Fatalf("load tables: %v", err)
	}
	return NewGenerator(db, resolver, tables, zerolog.Nop())
}

func TestGenerateExpandsLongSlitTemplate(t *testing.T) {
	db := openTestDB(t)
	obs := seedObservation(t, db)
	g := newTestGenerator(t, db, successResolver(300*time.Second, 4))

	digest, err := g.Digest(context.Background(), obs.ProgramID, obs.ID)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}

	// One acquisition atom plus one science atom per required exposure.
	if len(digest.Sequence.Atoms) != 5 {
		t.Fatalf("atoms = %d, want 5", len(digest.Sequence.Atoms))
	}

	acq := digest.Sequence.Atoms[0]
	if acq.SequenceType != models.SequenceAcquisition || len(acq.Steps) != 3 {
		t.Fatalf("acquisition atom = %s with %d steps, want acquisition with 3", acq.SequenceType, len(acq.Steps))
	}
	// Full-field image runs at a tenth of the science exposure.
	fieldGmos, err := acq.Steps[0].Dynamic.Gmos()
	if err != nil {
		t.Fatalf("acquisition dynamic: %v", err)
	}
	if fieldGmos.Exposure != 30*time.Second {
		t.Errorf("field image exposure = %v, want 30s", fieldGmos.Exposure)
	}
	if fieldGmos.Grating != "mirror" || fieldGmos.FPU != "none" {
		t.Errorf("field image must be undispersed and unslitted, got grating %q fpu %q", fieldGmos.Grating, fieldGmos.FPU)
	}

	// Science atoms alternate science/flat order by parity.
	first := digest.Sequence.Atoms[1]
	second := digest.Sequence.Atoms[2]
	if first.Steps[0].Step.Type != models.StepTypeScience || first.Steps[1].Step.Type != models.StepTypeGcal {
		t.Errorf("atom 1 order = %s,%s, want science,gcal", first.Steps[0].Step.Type, first.Steps[1].Step.Type)
	}
	if second.Steps[0].Step.Type != models.StepTypeGcal || second.Steps[1].Step.Type != models.StepTypeScience {
		t.Errorf("atom 2 order = %s,%s, want gcal,science", second.Steps[0].Step.Type, second.Steps[1].Step.Type)
	}

	// Wavelength dithers cycle 0, +5, -5 nm around the central wavelength.
	wantWavelengths := []float64{500, 505, 495, 500}
	for i, want := range wantWavelengths {
		atom := digest.Sequence.Atoms[i+1]
		for _, step := range atom.Steps {
			if step.Step.Type != models.StepTypeScience {
				continue
			}
			gd, err := step.Dynamic.Gmos()
			if err != nil {
				t.Fatalf("science dynamic: %v", err)
			}
			if gd.WavelengthNm != want {
				t.Errorf("science atom %d wavelength = %v, want %v", i+1, gd.WavelengthNm, want)
			}
		}
	}

	// Every step carries a non-negative estimate and setup time is attached.
	for ai, atom := range digest.Sequence.Atoms {
		for si, step := range atom.Steps {
			if step.Estimate.Total().IsZero() {
				t.Errorf("atom %d step %d has a zero estimate", ai, si)
			}
		}
	}
	if digest.Setup.Full.Duration() != 18*time.Minute {
		t.Errorf("setup full = %v, want 18m", digest.Setup.Full.Duration())
	}
}

func TestGenerateClampsAcquisitionImageExposure(t *testing.T) {
	db := openTestDB(t)
	obs := seedObservation(t, db)

	tests := []struct {
		name     string
		exposure time.Duration
		want     time.Duration
	}{
		{name: "short science exposure clamps up", exposure: 5 * time.Second, want: 1 * time.Second},
		{name: "long science exposure clamps down", exposure: 3600 * time.Second, want: 180 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGenerator(t, db, successResolver(tt.exposure, 1))
			digest, err := g.Digest(context.Background(), obs.ProgramID, obs.ID)
			if err != nil {
				t.Fatalf("Digest: %v", err)
			}
			gd, err := digest.Sequence.Atoms[0].Steps[0].Dynamic.Gmos()
			if err != nil {
				t.Fatalf("dynamic: %v", err)
			}
			if gd.Exposure != tt.want {
				t.Fatalf("field image exposure = %v, want %v", gd.Exposure, tt.want)
			}
		})
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	db := openTestDB(t)
	obs := seedObservation(t, db)
	g := newTestGenerator(t, db, successResolver(120*time.Second, 6))

	a, err := g.Digest(context.Background(), obs.ProgramID, obs.ID)
	if err != nil {
		t.Fatalf("first Digest: %v", err)
	}
	b, err := g.Digest(context.Background(), obs.ProgramID, obs.ID)
	if err != nil {
		t.Fatalf("second Digest: %v", err)
	}

	if a.Hash == "" {
		t.Fatal("digest hash is empty")
	}
	if a.Hash != b.Hash {
		t.Fatalf("hashes differ: %s vs %s", a.Hash, b.Hash)
	}
}

func TestGenerateMissingParametersNotRetried(t *testing.T) {
	db := openTestDB(t)
	obs := seedObservation(t, db)
	resolver := &fakeResolver{results: []itc.TargetResult{{
		Kind:    itc.KindMissing,
		Missing: []itc.Param{itc.ParamObservingMode},
	}}}
	g := newTestGenerator(t, db, resolver)

	_, err := g.Generate(context.Background(), obs.ProgramID, obs.ID, 10)
	var missErr *itc.MissingError
	if !errors.As(err, &missErr) {
		t.Fatalf("error = %v, want MissingError", err)
	}
	if missErr.Error() != "missing observing mode" {
		t.Fatalf("message = %q", missErr.Error())
	}
}

func TestGenerateSurfacesServiceError(t *testing.T) {
	db := openTestDB(t)
	obs := seedObservation(t, db)
	resolver := &fakeResolver{results: []itc.TargetResult{{
		Kind:     itc.KindServiceError,
		TargetID: "t0",
		Message:  "itc unavailable",
	}}}
	g := newTestGenerator(t, db, resolver)

	_, err := g.Generate(context.Background(), obs.ProgramID, obs.ID, 10)
	var svcErr *itc.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("error = %v, want ServiceError", err)
	}
	if svcErr.TargetID != "t0" {
		t.Fatalf("service error target = %q, want t0", svcErr.TargetID)
	}
}

func TestGenerateTruncatesFutureKeepingWholeAtoms(t *testing.T) {
	db := openTestDB(t)
	obs := seedObservation(t, db)
	g := newTestGenerator(t, db, successResolver(120*time.Second, 8))

	// Limit of 4 future steps: acquisition (3 steps) fits, and the science
	// atom that crosses the budget is kept whole.
	digest, err := g.Generate(context.Background(), obs.ProgramID, obs.ID, 4)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(digest.Sequence.Atoms) != 2 {
		t.Fatalf("atoms = %d, want 2 (acquisition + first science atom)", len(digest.Sequence.Atoms))
	}

	// A zero limit with nothing executed yields an empty plan.
	digest, err = g.Generate(context.Background(), obs.ProgramID, obs.ID, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(digest.Sequence.Atoms) != 0 {
		t.Fatalf("atoms = %d, want 0", len(digest.Sequence.Atoms))
	}
}

func TestGenerateNeverTruncatesExecutedAtoms(t *testing.T) {
	db := openTestDB(t)
	obs := seedObservation(t, db)
	g := newTestGenerator(t, db, successResolver(120*time.Second, 8))

	// Three atoms already executed for this observation.
	for i := 1; i <= 3; i++ {
		rec := models.AtomRecord{
			ID:            obs.ID + "-atom-" + string(rune('0'+i)),
			VisitID:       "visit-1",
			ObservationID: obs.ID,
			Instrument:    obs.Instrument,
			SequenceType:  models.SequenceScience,
			StepCount:     2,
			AtomIndex:     i,
			CreatedAt:     time.Now().UTC().Add(-time.Hour),
		}
		if err := db.Create(&rec).Error; err != nil {
			t.Fatalf("seed atom record: %v", err)
		}
	}

	digest, err := g.Generate(context.Background(), obs.ProgramID, obs.ID, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(digest.Sequence.Atoms) != 3 {
		t.Fatalf("atoms = %d, want the 3 executed atoms retained", len(digest.Sequence.Atoms))
	}
}
