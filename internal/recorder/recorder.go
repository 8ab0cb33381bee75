/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package recorder persists the execution audit trail. Records form a strict
// containment tree (dataset in step in atom in visit), are append-only, and
// carry monotonically increasing per-parent indices assigned under a row
// lock so concurrent engine instances never collide.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/apexobs/obsdb/internal/events"
	"github.com/apexobs/obsdb/internal/models"
	"github.com/apexobs/obsdb/internal/telemetry"
)

// ErrLinkage marks a record operation referencing a missing parent, a
// mismatched instrument, or an index gap. The caller must retry with
// correct linkage; nothing was written.
var ErrLinkage = errors.New("recorder linkage error")

// ErrDuplicate marks a record operation repeating an already-used natural
// key, typically a retried client call. Nothing was written.
var ErrDuplicate = errors.New("duplicate record")

// Publisher is the event fan-out the recorder notifies after each write.
type Publisher interface {
	Publish(eventType events.EventType, payload events.Payload)
}

// Recorder applies record operations transactionally.
type Recorder struct {
	db     *gorm.DB
	bus    Publisher
	logger zerolog.Logger
}

// NewRecorder constructs a recorder. bus may be nil in tests.
func NewRecorder(database *gorm.DB, bus Publisher, logger zerolog.Logger) *Recorder {
	return &Recorder{
		db:     database,
		bus:    bus,
		logger: logger.With().Str("component", "recorder").Logger(),
	}
}

// RecordVisit opens a new visit for an observation, pinning the instrument
// and static configuration every child record must match.
func (r *Recorder) RecordVisit(ctx context.Context, observationID string, instrument models.Instrument, static models.StaticConfig) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "recorder", "RecordVisit")
	defer span.End()

	if !instrument.Valid() {
		return "", r.fail("visit", "linkage_error", fmt.Errorf("%w: unknown instrument %q", ErrLinkage, instrument))
	}
	if static.Instrument != instrument {
		return "", r.fail("visit", "linkage_error", fmt.Errorf("%w: static config is %s but visit is %s", ErrLinkage, static.Instrument, instrument))
	}

	staticMap, err := toMap(static)
	if err != nil {
		return "", r.fail("visit", "error", err)
	}

	visit := models.VisitRecord{
		ID:            uuid.NewString(),
		ObservationID: observationID,
		Instrument:    instrument,
		Static:        staticMap,
		CreatedAt:     time.Now().UTC(),
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var obs models.Observation
		if err := tx.Where("id = ?", observationID).First(&obs).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: observation %s does not exist", ErrLinkage, observationID)
			}
			return err
		}
		if obs.Instrument != instrument {
			return fmt.Errorf("%w: observation %s uses %s, not %s", ErrLinkage, observationID, obs.Instrument, instrument)
		}
		return tx.Create(&visit).Error
	})
	if err != nil {
		return "", r.fail("visit", resultLabel(err), err)
	}

	telemetry.RecordOpsTotal.WithLabelValues("visit", "ok").Inc()
	r.publish(events.EventVisitCreated, events.Payload{
		"visit_id":       visit.ID,
		"observation_id": observationID,
		"instrument":     string(instrument),
	})
	return visit.ID, nil
}

// RecordAtom appends an atom to a visit. index 0 requests auto-assignment
// of the next atom index; an explicit index must be exactly the next one.
func (r *Recorder) RecordAtom(ctx context.Context, visitID string, instrument models.Instrument, sequenceType models.SequenceType, stepCount, index int) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "recorder", "RecordAtom")
	defer span.End()

	if stepCount < 1 {
		return "", r.fail("atom", "error", fmt.Errorf("atom must declare at least one step, got %d", stepCount))
	}

	atom := models.AtomRecord{
		ID:           uuid.NewString(),
		VisitID:      visitID,
		Instrument:   instrument,
		SequenceType: sequenceType,
		StepCount:    stepCount,
		CreatedAt:    time.Now().UTC(),
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var visit models.VisitRecord
		if err := r.lockParent(tx).Where("id = ?", visitID).First(&visit).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: visit %s does not exist", ErrLinkage, visitID)
			}
			return err
		}
		if visit.Instrument != instrument {
			return fmt.Errorf("%w: visit %s is %s, not %s", ErrLinkage, visitID, visit.Instrument, instrument)
		}

		var last int
		row := tx.Model(&models.AtomRecord{}).
			Where("visit_id = ?", visitID).
			Select("COALESCE(MAX(atom_index), 0)").
			Row()
		if err := row.Scan(&last); err != nil {
			return err
		}
		next, err := nextIndex(last, index)
		if err != nil {
			return err
		}

		atom.ObservationID = visit.ObservationID
		atom.AtomIndex = next
		return tx.Create(&atom).Error
	})
	if err != nil {
		return "", r.fail("atom", resultLabel(err), err)
	}

	telemetry.RecordOpsTotal.WithLabelValues("atom", "ok").Inc()
	r.publish(events.EventAtomRecorded, events.Payload{
		"atom_id":       atom.ID,
		"visit_id":      visitID,
		"atom_index":    atom.AtomIndex,
		"sequence_type": string(sequenceType),
	})
	return atom.ID, nil
}

// RecordStep appends a step to an atom. The dynamic configuration's
// instrument must match the atom's; the step's exposure is denormalized for
// time accounting.
func (r *Recorder) RecordStep(ctx context.Context, atomID string, instrument models.Instrument, dynamic models.DynamicConfig, stepCfg models.StepConfig, index int) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "recorder", "RecordStep")
	defer span.End()

	if dynamic.Instrument != instrument {
		return "", r.fail("step", "linkage_error", fmt.Errorf("%w: dynamic config is %s but step is %s", ErrLinkage, dynamic.Instrument, instrument))
	}
	gd, err := dynamic.Gmos()
	if err != nil {
		return "", r.fail("step", "error", err)
	}
	if gd.Exposure < 0 {
		return "", r.fail("step", "error", fmt.Errorf("negative exposure %v", gd.Exposure))
	}

	dynamicMap, err := toMap(dynamic)
	if err != nil {
		return "", r.fail("step", "error", err)
	}
	cfgMap, err := toMap(stepCfg)
	if err != nil {
		return "", r.fail("step", "error", err)
	}

	step := models.StepRecord{
		ID:         uuid.NewString(),
		AtomID:     atomID,
		Instrument: instrument,
		StepType:   stepCfg.Type,
		Exposure:   gd.Exposure,
		Dynamic:    dynamicMap,
		StepCfg:    cfgMap,
		CreatedAt:  time.Now().UTC(),
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var atom models.AtomRecord
		if err := r.lockParent(tx).Where("id = ?", atomID).First(&atom).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: atom %s does not exist", ErrLinkage, atomID)
			}
			return err
		}
		if atom.Instrument != instrument {
			return fmt.Errorf("%w: atom %s is %s, not %s", ErrLinkage, atomID, atom.Instrument, instrument)
		}

		var last int
		row := tx.Model(&models.StepRecord{}).
			Where("atom_id = ?", atomID).
			Select("COALESCE(MAX(step_index), 0)").
			Row()
		if err := row.Scan(&last); err != nil {
			return err
		}
		next, err := nextIndex(last, index)
		if err != nil {
			return err
		}

		step.VisitID = atom.VisitID
		step.StepIndex = next
		return tx.Create(&step).Error
	})
	if err != nil {
		return "", r.fail("step", resultLabel(err), err)
	}

	telemetry.RecordOpsTotal.WithLabelValues("step", "ok").Inc()
	r.publish(events.EventStepRecorded, events.Payload{
		"step_id":    step.ID,
		"atom_id":    atomID,
		"step_index": step.StepIndex,
		"step_type":  string(stepCfg.Type),
	})
	return step.ID, nil
}

// RecordDataset appends a dataset to a step.
func (r *Recorder) RecordDataset(ctx context.Context, stepID, filename string, index int) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "recorder", "RecordDataset")
	defer span.End()

	if filename == "" {
		return "", r.fail("dataset", "error", fmt.Errorf("dataset filename is required"))
	}

	dataset := models.DatasetRecord{
		ID:        uuid.NewString(),
		StepID:    stepID,
		Filename:  filename,
		CreatedAt: time.Now().UTC(),
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step models.StepRecord
		if err := r.lockParent(tx).Where("id = ?", stepID).First(&step).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: step %s does not exist", ErrLinkage, stepID)
			}
			return err
		}

		var last int
		row := tx.Model(&models.DatasetRecord{}).
			Where("step_id = ?", stepID).
			Select("COALESCE(MAX(dataset_index), 0)").
			Row()
		if err := row.Scan(&last); err != nil {
			return err
		}
		next, err := nextIndex(last, index)
		if err != nil {
			return err
		}

		dataset.VisitID = step.VisitID
		dataset.DatasetIndex = next
		return tx.Create(&dataset).Error
	})
	if err != nil {
		return "", r.fail("dataset", resultLabel(err), err)
	}

	telemetry.RecordOpsTotal.WithLabelValues("dataset", "ok").Inc()
	r.publish(events.EventDatasetRecorded, events.Payload{
		"dataset_id": dataset.ID,
		"step_id":    stepID,
		"filename":   filename,
	})
	return dataset.ID, nil
}

// RecordEvent stores one immutable execution event. The referenced visit
// must exist; the event is never updated afterwards.
func (r *Recorder) RecordEvent(ctx context.Context, ev models.ExecutionEvent) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "recorder", "RecordEvent")
	defer span.End()

	ev.ID = uuid.NewString()
	if ev.Received.IsZero() {
		ev.Received = time.Now().UTC()
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var visit models.VisitRecord
		if err := tx.Where("id = ?", ev.VisitID).First(&visit).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: visit %s does not exist", ErrLinkage, ev.VisitID)
			}
			return err
		}
		if ev.ObservationID == "" {
			ev.ObservationID = visit.ObservationID
		}
		return tx.Create(&ev).Error
	})
	if err != nil {
		return "", r.fail("event", resultLabel(err), err)
	}

	telemetry.RecordOpsTotal.WithLabelValues("event", "ok").Inc()
	r.publish(events.EventExecution, events.Payload{
		"event_id":   ev.ID,
		"visit_id":   ev.VisitID,
		"event_type": string(ev.EventType),
		"stage":      ev.Stage,
		"command":    ev.Command,
	})
	return ev.ID, nil
}

// lockParent adds a row lock on the parent record where the dialect
// supports it. sqlite serializes writers on its own.
func (r *Recorder) lockParent(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// nextIndex enforces the monotonic counter: 0 auto-assigns, an explicit
// index must be exactly the next one. Indices are 1-based.
func nextIndex(last, requested int) (int, error) {
	switch {
	case requested == 0:
		return last + 1, nil
	case requested < 0:
		return 0, fmt.Errorf("%w: negative index %d", ErrLinkage, requested)
	case requested <= last:
		return 0, fmt.Errorf("%w: index %d already recorded", ErrDuplicate, requested)
	case requested > last+1:
		return 0, fmt.Errorf("%w: index %d leaves a gap after %d", ErrLinkage, requested, last)
	default:
		return requested, nil
	}
}

func (r *Recorder) publish(eventType events.EventType, payload events.Payload) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventType, payload)
}

func (r *Recorder) fail(op, result string, err error) error {
	telemetry.RecordOpsTotal.WithLabelValues(op, result).Inc()
	r.logger.Warn().Err(err).Str("op", op).Msg("record operation rejected")
	return err
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrLinkage):
		return "linkage_error"
	default:
		return "error"
	}
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode record payload: %w", err)
	}
	return m, nil
}
