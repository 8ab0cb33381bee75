/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sequence expands an observation's observing mode into a fully
// estimated execution plan. Plans are ephemeral: recomputed per request and
// identified by a digest hash, never persisted.
package sequence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/apexobs/obsdb/internal/estimator"
	"github.com/apexobs/obsdb/internal/itc"
	"github.com/apexobs/obsdb/internal/models"
	"github.com/apexobs/obsdb/internal/telemetry"
)

// ErrInvalidSequence marks a data-integrity failure inside generation, such
// as an instrument mismatch between mode and static configuration. It is
// fatal and not retryable.
var ErrInvalidSequence = errors.New("invalid sequence")

// Long-slit expansion constants. Acquisition images run binned and fast so
// the telescope operator gets feedback quickly; the final verification image
// reads only the central stamp.
const (
	acquisitionImageDivisor = 10
	acquisitionImageMin     = 1 * time.Second
	acquisitionImageMax     = 180 * time.Second
	slitImageExposure       = 20 * time.Second
	verificationExposure    = 30 * time.Second
	flatExposure            = 2 * time.Second
)

// Wavelength dithers (nm) and spatial offsets (arcsec along q) cycled over
// the science atoms to fill chip gaps and reject detector artifacts.
var (
	wavelengthDithersNm = []float64{0, 5, -5}
	spatialOffsetsQ     = []float64{0, 15}
)

// Digest is the generated plan: setup cost, the estimated sequence, and a
// hash identifying the plan bytes.
type Digest struct {
	ObservationID string               `json:"observation_id"`
	Instrument    models.Instrument    `json:"instrument"`
	Setup         models.SetupTime     `json:"setup"`
	Static        models.StaticConfig  `json:"static"`
	Sequence      models.ProtoSequence `json:"sequence"`
	Hash          string               `json:"hash"`
}

// ModeResolver is the integration-time lookup the generator depends on.
type ModeResolver interface {
	LookupObservation(ctx context.Context, obs models.Observation, useCache bool) (*itc.ResultSet, error)
}

// Generator expands observations into estimated plans.
type Generator struct {
	db       *gorm.DB
	resolver ModeResolver
	tables   *estimator.Tables
	logger   zerolog.Logger
}

// NewGenerator constructs a generator.
func NewGenerator(database *gorm.DB, resolver ModeResolver, tables *estimator.Tables, logger zerolog.Logger) *Generator {
	return &Generator{
		db:       database,
		resolver: resolver,
		tables:   tables,
		logger:   logger.With().Str("component", "sequence_generator").Logger(),
	}
}

// Generate produces the plan for one observation with the not-yet-executed
// tail truncated to roughly futureStepLimit steps. Truncation keeps whole
// atoms and never drops atoms that have already been recorded as executed.
// A negative limit disables truncation.
func (g *Generator) Generate(ctx context.Context, programID, observationID string, futureStepLimit int) (Digest, error) {
	return g.generateAt(ctx, programID, observationID, futureStepLimit, time.Now().UTC())
}

// Digest produces the full untruncated plan.
func (g *Generator) Digest(ctx context.Context, programID, observationID string) (Digest, error) {
	return g.generateAt(ctx, programID, observationID, -1, time.Now().UTC())
}

func (g *Generator) generateAt(ctx context.Context, programID, observationID string, futureStepLimit int, asOf time.Time) (Digest, error) {
	ctx, span := telemetry.StartSpan(ctx, "sequence", "Generate")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]string{
		"program_id":     programID,
		"observation_id": observationID,
	})
	start := time.Now()

	var obs models.Observation
	err := g.db.WithContext(ctx).
		Where("id = ? AND program_id = ?", observationID, programID).
		First(&obs).Error
	if err != nil {
		return Digest{}, fmt.Errorf("load observation: %w", err)
	}
	if !obs.Instrument.Valid() {
		return Digest{}, fmt.Errorf("%w: observation %s has unknown instrument %q", ErrInvalidSequence, obs.ID, obs.Instrument)
	}

	rs, err := g.resolver.LookupObservation(ctx, obs, true)
	if err != nil {
		return Digest{}, err
	}
	if missErr := rs.MissingError(); missErr != nil {
		return Digest{}, missErr
	}
	sel, _ := rs.Selected()
	if sel.Kind != itc.KindSuccess {
		return Digest{}, &itc.ServiceError{TargetID: sel.TargetID, Message: sel.Message}
	}

	static, err := staticConfig(obs)
	if err != nil {
		return Digest{}, err
	}
	seq, err := expandLongSlit(obs, sel.Result)
	if err != nil {
		return Digest{}, err
	}
	if err := seq.Validate(); err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInvalidSequence, err)
	}

	estimated, err := estimator.EstimateSequence(g.tables, static, seq)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInvalidSequence, err)
	}

	if futureStepLimit >= 0 {
		executed, err := g.executedAtoms(ctx, obs.ID, asOf)
		if err != nil {
			return Digest{}, fmt.Errorf("count executed atoms: %w", err)
		}
		estimated = truncateFuture(estimated, executed, futureStepLimit)
	}

	it, err := g.tables.ForInstrument(obs.Instrument)
	if err != nil {
		return Digest{}, err
	}

	digest := Digest{
		ObservationID: obs.ID,
		Instrument:    obs.Instrument,
		Setup:         it.Setup,
		Static:        static,
		Sequence:      estimated,
	}
	digest.Hash, err = hashDigest(digest)
	if err != nil {
		return Digest{}, err
	}

	telemetry.SequenceBuildDuration.WithLabelValues(string(obs.Instrument)).Observe(time.Since(start).Seconds())
	telemetry.SequenceStepsGenerated.WithLabelValues(string(obs.Instrument)).Add(float64(estimated.StepTotal()))
	g.logger.Debug().
		Str("observation_id", obs.ID).
		Int("atoms", len(estimated.Atoms)).
		Int("steps", estimated.StepTotal()).
		Msg("sequence generated")

	return digest, nil
}

// executedAtoms counts atoms already recorded for the observation as of the
// given instant. Recorded atoms are execution facts and stay in the plan.
func (g *Generator) executedAtoms(ctx context.Context, observationID string, asOf time.Time) (int, error) {
	var n int64
	err := g.db.WithContext(ctx).
		Model(&models.AtomRecord{}).
		Where("observation_id = ? AND created_at <= ?", observationID, asOf).
		Count(&n).Error
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// truncateFuture keeps the executed prefix plus whole future atoms until the
// future step budget is reached. The atom that crosses the budget is kept
// whole; atoms are never split.
func truncateFuture(seq models.ProtoSequence, executedAtoms, futureStepLimit int) models.ProtoSequence {
	if executedAtoms >= len(seq.Atoms) {
		return seq
	}
	out := models.ProtoSequence{Atoms: seq.Atoms[:executedAtoms]}
	futureSteps := 0
	for _, atom := range seq.Atoms[executedAtoms:] {
		if futureSteps >= futureStepLimit {
			break
		}
		out.Atoms = append(out.Atoms, atom)
		futureSteps += len(atom.Steps)
	}
	return out
}

// expandLongSlit builds the unestimated plan: one acquisition atom followed
// by one science atom per required exposure.
func expandLongSlit(obs models.Observation, result *itc.Result) (models.ProtoSequence, error) {
	exposure, err := models.NewTimeSpan(result.ExposureTime)
	if err != nil {
		return models.ProtoSequence{}, fmt.Errorf("%w: itc exposure: %v", ErrInvalidSequence, err)
	}
	if result.ExposureCount < 1 {
		return models.ProtoSequence{}, fmt.Errorf("%w: itc exposure count %d", ErrInvalidSequence, result.ExposureCount)
	}

	seq := models.ProtoSequence{Atoms: make([]models.ProtoAtom, 0, 1+result.ExposureCount)}
	seq.Atoms = append(seq.Atoms, acquisitionAtom(obs, exposure.Duration()))

	for i := 0; i < result.ExposureCount; i++ {
		seq.Atoms = append(seq.Atoms, scienceAtom(obs, exposure.Duration(), i))
	}
	return seq, nil
}

// acquisitionAtom is the three-image target acquisition: a binned full-field
// image, an image through the slit, and a central-stamp verification image.
func acquisitionAtom(obs models.Observation, scienceExposure time.Duration) models.ProtoAtom {
	fieldExposure := scienceExposure / acquisitionImageDivisor
	if fieldExposure < acquisitionImageMin {
		fieldExposure = acquisitionImageMin
	}
	if fieldExposure > acquisitionImageMax {
		fieldExposure = acquisitionImageMax
	}

	steps := []models.ProtoStep{
		{
			Dynamic: dynamicConfig(obs, models.GmosDynamic{
				Exposure: fieldExposure,
				Grating:  "mirror",
				Filter:   obs.Filter,
				FPU:      "none",
				XBin:     2,
				YBin:     2,
				ROI:      "full_frame",
				ReadMode: "fast",
				AmpGain:  obs.AmpGain,
			}),
			Step: models.StepConfig{Type: models.StepTypeScience},
		},
		{
			Dynamic: dynamicConfig(obs, models.GmosDynamic{
				Exposure: slitImageExposure,
				Grating:  "mirror",
				Filter:   obs.Filter,
				FPU:      obs.FPU,
				XBin:     1,
				YBin:     1,
				ROI:      "ccd2",
				ReadMode: "fast",
				AmpGain:  obs.AmpGain,
			}),
			Step: models.StepConfig{Type: models.StepTypeScience},
		},
		{
			Dynamic: dynamicConfig(obs, models.GmosDynamic{
				Exposure: verificationExposure,
				Grating:  "mirror",
				Filter:   obs.Filter,
				FPU:      obs.FPU,
				XBin:     1,
				YBin:     1,
				ROI:      "central_stamp",
				ReadMode: "fast",
				AmpGain:  obs.AmpGain,
			}),
			Step: models.StepConfig{Type: models.StepTypeScience},
		},
	}

	return models.ProtoAtom{
		SequenceType: models.SequenceAcquisition,
		StepCount:    len(steps),
		Steps:        steps,
	}
}

// scienceAtom pairs one science exposure with its flat. Even atoms run
// science first, odd atoms flat first, so back-to-back flats share a
// configuration and consecutive atoms stay cheap.
func scienceAtom(obs models.Observation, exposure time.Duration, index int) models.ProtoAtom {
	dither := wavelengthDithersNm[index%len(wavelengthDithersNm)]
	offsetQ := spatialOffsetsQ[index%len(spatialOffsetsQ)]

	scienceDynamic := dynamicConfig(obs, models.GmosDynamic{
		Exposure:     exposure,
		Grating:      obs.Grating,
		GratingOrder: 1,
		WavelengthNm: obs.CentralWavelengthNm + dither,
		Filter:       obs.Filter,
		FPU:          obs.FPU,
		XBin:         obs.XBin,
		YBin:         obs.YBin,
		ROI:          obs.ROI,
		ReadMode:     obs.ReadMode,
		AmpGain:      obs.AmpGain,
	})
	flatDynamic := dynamicConfig(obs, models.GmosDynamic{
		Exposure:     flatExposure,
		Grating:      obs.Grating,
		GratingOrder: 1,
		WavelengthNm: obs.CentralWavelengthNm + dither,
		Filter:       obs.Filter,
		FPU:          obs.FPU,
		XBin:         obs.XBin,
		YBin:         obs.YBin,
		ROI:          obs.ROI,
		ReadMode:     obs.ReadMode,
		AmpGain:      obs.AmpGain,
	})

	science := models.ProtoStep{
		Dynamic: scienceDynamic,
		Step:    models.StepConfig{Type: models.StepTypeScience, OffsetQ: offsetQ},
	}
	flat := models.ProtoStep{
		Dynamic: flatDynamic,
		Step: models.StepConfig{
			Type:         models.StepTypeGcal,
			GcalLamp:     "qh_flat",
			GcalFilter:   "nd1.0",
			GcalDiffuser: "visible",
			GcalShutter:  "open",
		},
	}

	steps := []models.ProtoStep{science, flat}
	if index%2 == 1 {
		steps = []models.ProtoStep{flat, science}
	}

	return models.ProtoAtom{
		SequenceType: models.SequenceScience,
		StepCount:    len(steps),
		Steps:        steps,
	}
}

// dynamicConfig tags the GMOS state with the observation's instrument.
func dynamicConfig(obs models.Observation, g models.GmosDynamic) models.DynamicConfig {
	cfg := models.DynamicConfig{Instrument: obs.Instrument}
	switch obs.Instrument {
	case models.InstrumentGmosNorth:
		cfg.GmosNorth = &g
	case models.InstrumentGmosSouth:
		cfg.GmosSouth = &g
	}
	return cfg
}

// staticConfig tags the observation's static state.
func staticConfig(obs models.Observation) (models.StaticConfig, error) {
	g := models.GmosStatic{
		Detector:      obs.Detector,
		StageMode:     obs.StageMode,
		MosPreImaging: obs.MosPreImaging,
	}
	cfg := models.StaticConfig{Instrument: obs.Instrument}
	switch obs.Instrument {
	case models.InstrumentGmosNorth:
		cfg.GmosNorth = &g
	case models.InstrumentGmosSouth:
		cfg.GmosSouth = &g
	default:
		return models.StaticConfig{}, fmt.Errorf("%w: unknown instrument %q", ErrInvalidSequence, obs.Instrument)
	}
	return cfg, nil
}

// hashDigest hashes the canonical JSON of the plan body. TimeSpan marshals
// as integer microseconds, so equal plans hash identically.
func hashDigest(d Digest) (string, error) {
	d.Hash = ""
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("hash digest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
