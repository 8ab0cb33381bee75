/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package accounting turns the execution audit trail into charged time.
// Everything here is recomputed on demand from persisted records; the
// invoice is a view, not a source of truth.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/apexobs/obsdb/internal/models"
	"github.com/apexobs/obsdb/internal/sequence"
	"github.com/apexobs/obsdb/internal/telemetry"
)

// CategorizedTime partitions a duration by charge class.
type CategorizedTime struct {
	Program    models.TimeSpan `json:"program"`
	Partner    models.TimeSpan `json:"partner"`
	NonCharged models.TimeSpan `json:"non_charged"`
}

// Add accumulates a span into the class's bucket.
func (c CategorizedTime) Add(class models.ChargeClass, span models.TimeSpan) CategorizedTime {
	switch class {
	case models.ChargeClassPartner:
		c.Partner = c.Partner.Add(span)
	case models.ChargeClassNonCharged:
		c.NonCharged = c.NonCharged.Add(span)
	default:
		c.Program = c.Program.Add(span)
	}
	return c
}

// Total sums all buckets.
func (c CategorizedTime) Total() models.TimeSpan {
	return c.Program.Add(c.Partner).Add(c.NonCharged)
}

// CategorizedTimeRange is a best/worst-case projection.
type CategorizedTimeRange struct {
	Min CategorizedTime `json:"min"`
	Max CategorizedTime `json:"max"`
}

// Discount is one subtraction applied to a visit's charge.
type Discount struct {
	Amount  models.TimeSpan `json:"amount"`
	Comment string          `json:"comment"`
}

// Correction is one signed staff adjustment.
type Correction struct {
	Amount  time.Duration `json:"amount"`
	Reason  string        `json:"reason"`
	Comment string        `json:"comment"`
}

// Invoice is the per-visit charge breakdown. FinalCharge is charged minus
// discounts plus corrections, clamped at zero.
type Invoice struct {
	VisitID     string             `json:"visit_id"`
	ChargeClass models.ChargeClass `json:"charge_class"`
	Charged     models.TimeSpan    `json:"charged"`
	Discounts   []Discount         `json:"discounts"`
	Corrections []Correction       `json:"corrections"`
	FinalCharge models.TimeSpan    `json:"final_charge"`
}

// PlanSource produces plan digests for projection.
type PlanSource interface {
	Digest(ctx context.Context, programID, observationID string) (sequence.Digest, error)
}

// Service computes invoices and program-level aggregates.
type Service struct {
	db     *gorm.DB
	plans  PlanSource
	logger zerolog.Logger
}

// NewService constructs the accounting service. plans may be nil when
// projection is not needed.
func NewService(database *gorm.DB, plans PlanSource, logger zerolog.Logger) *Service {
	return &Service{
		db:     database,
		plans:  plans,
		logger: logger.With().Str("component", "accounting").Logger(),
	}
}

// ComputeInvoice builds the invoice for one visit from its recorded steps,
// chron-condition overlaps, stored discounts, and staff corrections.
func (s *Service) ComputeInvoice(ctx context.Context, visitID string) (*Invoice, error) {
	ctx, span := telemetry.StartSpan(ctx, "accounting", "ComputeInvoice")
	defer span.End()
	start := time.Now()

	var visit models.VisitRecord
	if err := s.db.WithContext(ctx).First(&visit, "id = ?", visitID).Error; err != nil {
		return nil, fmt.Errorf("load visit: %w", err)
	}

	class := models.ChargeClassProgram
	var obs models.Observation
	err := s.db.WithContext(ctx).First(&obs, "id = ?", visit.ObservationID).Error
	if err == nil {
		class = obs.ChargeClass
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load observation: %w", err)
	}

	charged, window, err := s.chargedTime(ctx, visitID)
	if err != nil {
		return nil, err
	}

	discounts, err := s.discounts(ctx, visitID, window)
	if err != nil {
		return nil, err
	}
	corrections, err := s.corrections(ctx, visitID)
	if err != nil {
		return nil, err
	}

	final := charged.Duration()
	for _, d := range discounts {
		final -= d.Amount.Duration()
	}
	for _, c := range corrections {
		final += c.Amount
	}
	if final < 0 {
		final = 0
	}
	finalSpan, err := models.NewTimeSpan(final)
	if err != nil {
		return nil, err
	}

	telemetry.InvoiceComputeDuration.Observe(time.Since(start).Seconds())
	return &Invoice{
		VisitID:     visitID,
		ChargeClass: class,
		Charged:     charged,
		Discounts:   discounts,
		Corrections: corrections,
		FinalCharge: finalSpan,
	}, nil
}

// timeWindow is the observed extent of a visit, derived from its events.
type timeWindow struct {
	start, end time.Time
	valid      bool
}

// chargedTime sums per-step execution spans. A step's span comes from its
// stage events when both endpoints were reported, otherwise the recorded
// exposure stands in.
func (s *Service) chargedTime(ctx context.Context, visitID string) (models.TimeSpan, timeWindow, error) {
	var steps []models.StepRecord
	err := s.db.WithContext(ctx).
		Where("visit_id = ?", visitID).
		Order("created_at ASC, id ASC").
		Find(&steps).Error
	if err != nil {
		return models.TimeSpan{}, timeWindow{}, fmt.Errorf("load steps: %w", err)
	}

	var events []models.ExecutionEvent
	err = s.db.WithContext(ctx).
		Where("visit_id = ? AND event_type = ?", visitID, models.EventStepStage).
		Order("received ASC").
		Find(&events).Error
	if err != nil {
		return models.TimeSpan{}, timeWindow{}, fmt.Errorf("load events: %w", err)
	}

	byStep := make(map[string][]models.ExecutionEvent)
	var window timeWindow
	for _, ev := range events {
		byStep[ev.StepID] = append(byStep[ev.StepID], ev)
		if !window.valid || ev.Received.Before(window.start) {
			window.start = ev.Received
		}
		if !window.valid || ev.Received.After(window.end) {
			window.end = ev.Received
		}
		window.valid = true
	}

	var charged models.TimeSpan
	for _, step := range steps {
		span := stepSpan(byStep[step.ID], step.Exposure)
		charged = charged.Add(span)
	}
	return charged, window, nil
}

// stepSpan measures first start_observe to last end_write. Incomplete event
// coverage falls back to the exposure time.
func stepSpan(stepEvents []models.ExecutionEvent, exposure time.Duration) models.TimeSpan {
	var started, finished time.Time
	for _, ev := range stepEvents {
		switch ev.Stage {
		case models.StageStartObserve:
			if started.IsZero() || ev.Received.Before(started) {
				started = ev.Received
			}
		case models.StageEndWrite:
			if ev.Received.After(finished) {
				finished = ev.Received
			}
		}
	}
	if !started.IsZero() && finished.After(started) {
		span, err := models.NewTimeSpan(finished.Sub(started))
		if err == nil {
			return span
		}
	}
	span, err := models.NewTimeSpan(exposure)
	if err != nil {
		return models.TimeSpan{}
	}
	return span
}

// discounts merges stored manual discounts with time lost to non-nominal
// conditions overlapping the visit's observed window.
func (s *Service) discounts(ctx context.Context, visitID string, window timeWindow) ([]Discount, error) {
	var stored []models.TimeChargeDiscount
	err := s.db.WithContext(ctx).
		Where("visit_id = ?", visitID).
		Order("created_at ASC").
		Find(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("load discounts: %w", err)
	}

	var out []Discount
	for _, d := range stored {
		span, err := models.NewTimeSpan(d.Amount)
		if err != nil {
			return nil, fmt.Errorf("stored discount %s: %w", d.ID, err)
		}
		out = append(out, Discount{Amount: span, Comment: d.Comment})
	}

	if !window.valid {
		return out, nil
	}

	var entries []models.ChronEntry
	err = s.db.WithContext(ctx).
		Where("condition <> ? AND start < ? AND end_at > ?", models.ConditionNominal, window.end, window.start).
		Order("start ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load chron entries: %w", err)
	}
	for _, entry := range entries {
		overlap := overlapDuration(window.start, window.end, entry.Start, entry.End)
		if overlap <= 0 {
			continue
		}
		span, err := models.NewTimeSpan(overlap)
		if err != nil {
			return nil, err
		}
		out = append(out, Discount{
			Amount:  span,
			Comment: fmt.Sprintf("%s: %s", entry.Condition, entry.Comment),
		})
	}
	return out, nil
}

func overlapDuration(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	return end.Sub(start)
}

func (s *Service) corrections(ctx context.Context, visitID string) ([]Correction, error) {
	var stored []models.TimeChargeCorrection
	err := s.db.WithContext(ctx).
		Where("visit_id = ?", visitID).
		Order("created_at ASC").
		Find(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("load corrections: %w", err)
	}
	out := make([]Correction, 0, len(stored))
	for _, c := range stored {
		out = append(out, Correction{Amount: c.Amount, Reason: c.Reason, Comment: c.Comment})
	}
	return out, nil
}

// SelectProgram aggregates actual charged time across every recorded visit
// of the program, bucketed by charge class.
func (s *Service) SelectProgram(ctx context.Context, programID string) (CategorizedTime, error) {
	ctx, span := telemetry.StartSpan(ctx, "accounting", "SelectProgram")
	defer span.End()

	var observations []models.Observation
	err := s.db.WithContext(ctx).
		Where("program_id = ?", programID).
		Order("created_at ASC, id ASC").
		Find(&observations).Error
	if err != nil {
		return CategorizedTime{}, fmt.Errorf("load observations: %w", err)
	}

	var total CategorizedTime
	for _, obs := range observations {
		var visits []models.VisitRecord
		err := s.db.WithContext(ctx).
			Where("observation_id = ?", obs.ID).
			Order("created_at ASC, id ASC").
			Find(&visits).Error
		if err != nil {
			return CategorizedTime{}, fmt.Errorf("load visits: %w", err)
		}
		for _, visit := range visits {
			invoice, err := s.ComputeInvoice(ctx, visit.ID)
			if err != nil {
				return CategorizedTime{}, err
			}
			total = total.Add(obs.ChargeClass, invoice.FinalCharge)
		}
	}
	return total, nil
}

// EstimateProgram projects a best/worst-case charge range over every
// observation of the program using generated plans. The minimum assumes a
// reacquisition setup, the maximum a full setup. Returns nil when no
// observation can be estimated.
func (s *Service) EstimateProgram(ctx context.Context, programID string) (*CategorizedTimeRange, error) {
	ctx, span := telemetry.StartSpan(ctx, "accounting", "EstimateProgram")
	defer span.End()

	if s.plans == nil {
		return nil, fmt.Errorf("no plan source configured")
	}

	var observations []models.Observation
	err := s.db.WithContext(ctx).
		Where("program_id = ?", programID).
		Order("created_at ASC, id ASC").
		Find(&observations).Error
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}

	var projected *CategorizedTimeRange
	for _, obs := range observations {
		digest, err := s.plans.Digest(ctx, programID, obs.ID)
		if err != nil {
			// Observations without a computable plan are skipped; the
			// projection covers what can be estimated today.
			s.logger.Debug().Err(err).Str("observation_id", obs.ID).Msg("observation not estimable")
			continue
		}

		var planned models.TimeSpan
		for _, atom := range digest.Sequence.Atoms {
			planned = planned.Add(atom.EstimatedTotal())
		}

		if projected == nil {
			projected = &CategorizedTimeRange{}
		}
		projected.Min = projected.Min.Add(obs.ChargeClass, digest.Setup.Reacquisition.Add(planned))
		projected.Max = projected.Max.Add(obs.ChargeClass, digest.Setup.Full.Add(planned))
	}
	return projected, nil
}
