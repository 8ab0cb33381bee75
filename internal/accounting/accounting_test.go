/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package accounting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/apexobs/obsdb/internal/models"
	"github.com/apexobs/obsdb/internal/sequence"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&models.Observation{},
		&models.VisitRecord{},
		&models.AtomRecord{},
		&models.StepRecord{},
		&models.ExecutionEvent{},
		&models.TimeChargeCorrection{},
		&models.TimeChargeDiscount{},
		&models.ChronEntry{},
	)
	if err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedVisitWithCharge(t *testing.T, db *gorm.DB, visitID string, class models.ChargeClass, charged time.Duration) {
	t.Helper()
	obsID := "obs-" + visitID
	obs := models.Observation{
		ID:          obsID,
		ProgramID:   "prog-1",
		Instrument:  models.InstrumentGmosNorth,
		ChargeClass: class,
	}
	if err := db.Create(&obs).Error; err != nil {
		t.Fatalf("seed observation: %v", err)
	}
	visit := models.VisitRecord{
		ID:            visitID,
		ObservationID: obsID,
		Instrument:    models.InstrumentGmosNorth,
	}
	if err := db.Create(&visit).Error; err != nil {
		t.Fatalf("seed visit: %v", err)
	}
	// Without stage events the charged time falls back to recorded exposure.
	step := models.StepRecord{
		ID:         "step-" + visitID,
		AtomID:     "atom-" + visitID,
		VisitID:    visitID,
		Instrument: models.InstrumentGmosNorth,
		StepIndex:  1,
		StepType:   models.StepTypeScience,
		Exposure:   charged,
	}
	if err := db.Create(&step).Error; err != nil {
		t.Fatalf("seed step: %v", err)
	}
}

func TestInvoiceArithmetic(t *testing.T) {
	db := openTestDB(t)
	seedVisitWithCharge(t, db, "visit-1", models.ChargeClassProgram, 100*time.Minute)

	for i, amount := range []time.Duration{30 * time.Minute, 10 * time.Minute} {
		d := models.TimeChargeDiscount{
			ID:      fmt.Sprintf("disc-%d", i),
			VisitID: "visit-1",
			Amount:  amount,
			Comment: "weather",
		}
		if err := db.Create(&d).Error; err != nil {
			t.Fatalf("seed discount: %v", err)
		}
	}
	corr := models.TimeChargeCorrection{
		ID:      "corr-1",
		VisitID: "visit-1",
		Amount:  5 * time.Minute,
		Reason:  "manual",
	}
	if err := db.Create(&corr).Error; err != nil {
		t.Fatalf("seed correction: %v", err)
	}

	s := NewService(db, nil, zerolog.Nop())
	invoice, err := s.ComputeInvoice(context.Background(), "visit-1")
	if err != nil {
		t.Fatalf("ComputeInvoice: %v", err)
	}

	if invoice.Charged.Duration() != 100*time.Minute {
		t.Errorf("charged = %v, want 100m", invoice.Charged.Duration())
	}
	if len(invoice.Discounts) != 2 || len(invoice.Corrections) != 1 {
		t.Errorf("discounts/corrections = %d/%d, want 2/1", len(invoice.Discounts), len(invoice.Corrections))
	}
	if invoice.FinalCharge.Duration() != 65*time.Minute {
		t.Errorf("final charge = %v, want 65m", invoice.FinalCharge.Duration())
	}
}

func TestInvoiceClampsAtZero(t *testing.T) {
	db := openTestDB(t)
	seedVisitWithCharge(t, db, "visit-1", models.ChargeClassProgram, 10*time.Minute)

	d := models.TimeChargeDiscount{
		ID:      "disc-1",
		VisitID: "visit-1",
		Amount:  30 * time.Minute,
		Comment: "fault",
	}
	if err := db.Create(&d).Error; err != nil {
		t.Fatalf("seed discount: %v", err)
	}

	s := NewService(db, nil, zerolog.Nop())
	invoice, err := s.ComputeInvoice(context.Background(), "visit-1")
	if err != nil {
		t.Fatalf("ComputeInvoice: %v", err)
	}
	if !invoice.FinalCharge.IsZero() {
		t.Fatalf("final charge = %v, want 0", invoice.FinalCharge.Duration())
	}
}

func TestInvoiceChargesFromStageEvents(t *testing.T) {
	db := openTestDB(t)
	seedVisitWithCharge(t, db, "visit-1", models.ChargeClassProgram, 5*time.Minute)

	base := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)
	for i, ev := range []models.ExecutionEvent{
		{Stage: models.StageStartObserve, Received: base},
		{Stage: models.StageEndWrite, Received: base.Add(8 * time.Minute)},
	} {
		ev.ID = fmt.Sprintf("ev-%d", i)
		ev.VisitID = "visit-1"
		ev.StepID = "step-visit-1"
		ev.EventType = models.EventStepStage
		if err := db.Create(&ev).Error; err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	s := NewService(db, nil, zerolog.Nop())
	invoice, err := s.ComputeInvoice(context.Background(), "visit-1")
	if err != nil {
		t.Fatalf("ComputeInvoice: %v", err)
	}
	// Events span 8 minutes; the 5 minute exposure fallback is not used.
	if invoice.Charged.Duration() != 8*time.Minute {
		t.Fatalf("charged = %v, want 8m", invoice.Charged.Duration())
	}
}

func TestInvoiceDiscountsChronOverlap(t *testing.T) {
	db := openTestDB(t)
	seedVisitWithCharge(t, db, "visit-1", models.ChargeClassProgram, 5*time.Minute)

	base := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)
	for i, ev := range []models.ExecutionEvent{
		{Stage: models.StageStartObserve, Received: base},
		{Stage: models.StageEndWrite, Received: base.Add(60 * time.Minute)},
	} {
		ev.ID = fmt.Sprintf("ev-%d", i)
		ev.VisitID = "visit-1"
		ev.StepID = "step-visit-1"
		ev.EventType = models.EventStepStage
		if err := db.Create(&ev).Error; err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	// 20 minutes of weather loss inside the visit window; a nominal entry
	// and a non-overlapping fault must not produce discounts.
	entries := []models.ChronEntry{
		{ID: "chron-1", Start: base.Add(10 * time.Minute), End: base.Add(30 * time.Minute), Condition: models.ConditionWeatherLoss, Comment: "clouds"},
		{ID: "chron-2", Start: base.Add(30 * time.Minute), End: base.Add(40 * time.Minute), Condition: models.ConditionNominal},
		{ID: "chron-3", Start: base.Add(2 * time.Hour), End: base.Add(3 * time.Hour), Condition: models.ConditionFault},
	}
	for _, entry := range entries {
		if err := db.Create(&entry).Error; err != nil {
			t.Fatalf("seed chron entry: %v", err)
		}
	}

	s := NewService(db, nil, zerolog.Nop())
	invoice, err := s.ComputeInvoice(context.Background(), "visit-1")
	if err != nil {
		t.Fatalf("ComputeInvoice: %v", err)
	}
	if len(invoice.Discounts) != 1 {
		t.Fatalf("discounts = %d, want 1", len(invoice.Discounts))
	}
	if invoice.Discounts[0].Amount.Duration() != 20*time.Minute {
		t.Fatalf("discount = %v, want 20m", invoice.Discounts[0].Amount.Duration())
	}
	if invoice.FinalCharge.Duration() != 40*time.Minute {
		t.Fatalf("final charge = %v, want 40m", invoice.FinalCharge.Duration())
	}
}

// The chron overlap query names the interval columns in raw SQL, so the
// end column must not migrate under the reserved word "end".
func TestChronEntryEndColumnName(t *testing.T) {
	db := openTestDB(t)
	if !db.Migrator().HasColumn(&models.ChronEntry{}, "end_at") {
		t.Fatal("expected chron entries to store the interval end as end_at")
	}
	if db.Migrator().HasColumn(&models.ChronEntry{}, "end") {
		t.Fatal("chron entries must not have a column named end")
	}
}

func TestSelectProgramBucketsByChargeClass(t *testing.T) {
	db := openTestDB(t)
	seedVisitWithCharge(t, db, "visit-1", models.ChargeClassProgram, 30*time.Minute)
	seedVisitWithCharge(t, db, "visit-2", models.ChargeClassPartner, 20*time.Minute)
	seedVisitWithCharge(t, db, "visit-3", models.ChargeClassNonCharged, 10*time.Minute)

	s := NewService(db, nil, zerolog.Nop())
	total, err := s.SelectProgram(context.Background(), "prog-1")
	if err != nil {
		t.Fatalf("SelectProgram: %v", err)
	}

	if total.Program.Duration() != 30*time.Minute {
		t.Errorf("program = %v, want 30m", total.Program.Duration())
	}
	if total.Partner.Duration() != 20*time.Minute {
		t.Errorf("partner = %v, want 20m", total.Partner.Duration())
	}
	if total.NonCharged.Duration() != 10*time.Minute {
		t.Errorf("non-charged = %v, want 10m", total.NonCharged.Duration())
	}
	if total.Total().Duration() != 60*time.Minute {
		t.Errorf("total = %v, want 60m", total.Total().Duration())
	}
}

// fakePlans returns a fixed plan for every observation.
type fakePlans struct {
	digest sequence.Digest
	err    error
}

func (f *fakePlans) Digest(_ context.Context, _, observationID string) (sequence.Digest, error) {
	if f.err != nil {
		return sequence.Digest{}, f.err
	}
	d := f.digest
	d.ObservationID = observationID
	return d, nil
}

func TestEstimateProgramProjectsSetupRange(t *testing.T) {
	db := openTestDB(t)
	obs := models.Observation{
		ID:          "obs-1",
		ProgramID:   "prog-1",
		Instrument:  models.InstrumentGmosNorth,
		ChargeClass: models.ChargeClassProgram,
	}
	if err := db.Create(&obs).Error; err != nil {
		t.Fatalf("seed observation: %v", err)
	}

	plans := &fakePlans{digest: sequence.Digest{
		Instrument: models.InstrumentGmosNorth,
		Setup: models.SetupTime{
			Full:          models.MustTimeSpan(18 * time.Minute),
			Reacquisition: models.MustTimeSpan(5 * time.Minute),
		},
		Sequence: models.ProtoSequence{Atoms: []models.ProtoAtom{{
			SequenceType: models.SequenceScience,
			StepCount:    1,
			Steps: []models.ProtoStep{{
				Estimate: models.StepEstimate{
					Detector: models.MustTimeSpan(10 * time.Minute),
				},
			}},
		}}},
	}}

	s := NewService(db, plans, zerolog.Nop())
	projected, err := s.EstimateProgram(context.Background(), "prog-1")
	if err != nil {
		t.Fatalf("EstimateProgram: %v", err)
	}
	if projected == nil {
		t.Fatal("expected a projection")
	}
	if projected.Min.Program.Duration() != 15*time.Minute {
		t.Errorf("min = %v, want 15m (reacquisition setup + plan)", projected.Min.Program.Duration())
	}
	if projected.Max.Program.Duration() != 28*time.Minute {
		t.Errorf("max = %v, want 28m (full setup + plan)", projected.Max.Program.Duration())
	}
}

func TestEstimateProgramNilWhenNothingEstimable(t *testing.T) {
	db := openTestDB(t)
	obs := models.Observation{
		ID:         "obs-1",
		ProgramID:  "prog-1",
		Instrument: models.InstrumentGmosNorth,
	}
	if err := db.Create(&obs).Error; err != nil {
		t.Fatalf("seed observation: %v", err)
	}

	plans := &fakePlans{err: fmt.Errorf("missing observing mode")}
	s := NewService(db, plans, zerolog.Nop())
	projected, err := s.EstimateProgram(context.Background(), "prog-1")
	if err != nil {
		t.Fatalf("EstimateProgram: %v", err)
	}
	if projected != nil {
		t.Fatalf("projection = %+v, want nil", projected)
	}
}
