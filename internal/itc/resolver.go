/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package itc

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/apexobs/obsdb/internal/cache"
	"github.com/apexobs/obsdb/internal/models"
	"github.com/apexobs/obsdb/internal/telemetry"
)

// Computer is the external call the resolver fans out.
type Computer interface {
	Compute(ctx context.Context, input Input, useCache bool) (*Result, error)
}

// Kind ranks per-target outcomes. Any Success outranks Missing and
// ServiceError; Successes rank among themselves by total integration time.
type Kind int

const (
	KindMissing Kind = iota
	KindServiceError
	KindSuccess
)

// TargetResult is the outcome for one target.
type TargetResult struct {
	Kind       Kind
	TargetID   string
	TargetName string
	Input      *Input
	Missing    []Param // KindMissing
	Message    string  // KindServiceError
	Result     *Result // KindSuccess
}

// outranks reports whether t ranks strictly above other. Among Successes
// the one demanding more total integration time wins: the observation must
// run at least that long to satisfy every target's required signal/noise.
func (t TargetResult) outranks(other TargetResult) bool {
	if t.Kind != other.Kind {
		return t.Kind > other.Kind
	}
	if t.Kind == KindSuccess {
		return t.Result.TotalTime() > other.Result.TotalTime()
	}
	return false
}

// ResultSet groups all per-target outcomes for one observation and tracks
// the selected (maximum-ranked) one. All results stay inspectable.
type ResultSet struct {
	ObservationID string
	Results       []TargetResult

	selected int
}

// NewResultSet computes the selection index. Ties keep the earliest result
// so selection is deterministic in target order.
func NewResultSet(observationID string, results []TargetResult) *ResultSet {
	rs := &ResultSet{ObservationID: observationID, Results: results}
	for i := 1; i < len(results); i++ {
		if results[i].outranks(results[rs.selected]) {
			rs.selected = i
		}
	}
	return rs
}

// Selected returns the maximum-ranked result. ok is false for an empty set.
func (rs *ResultSet) Selected() (TargetResult, bool) {
	if len(rs.Results) == 0 {
		return TargetResult{}, false
	}
	return rs.Results[rs.selected], true
}

// MissingError converts an all-missing set into the caller-facing error
// with the union of missing parameter names. Returns nil when the set has
// a usable selection.
func (rs *ResultSet) MissingError() *MissingError {
	sel, ok := rs.Selected()
	if !ok {
		return NewMissingError("", ParamTarget)
	}
	if sel.Kind != KindMissing {
		return nil
	}
	var params []Param
	targetID := ""
	missingCount := 0
	for _, r := range rs.Results {
		if r.Kind != KindMissing {
			continue
		}
		params = append(params, r.Missing...)
		targetID = r.TargetID
		missingCount++
	}
	if missingCount != 1 {
		targetID = ""
	}
	return NewMissingError(targetID, params...)
}

// Resolver fans out ITC lookups per target and gathers per-observation
// result sets.
type Resolver struct {
	db          *gorm.DB
	computer    Computer
	cache       *cache.Cache
	logger      zerolog.Logger
	maxParallel int
}

// NewResolver constructs a resolver. cache may be a disabled cache.
func NewResolver(database *gorm.DB, computer Computer, itcCache *cache.Cache, maxParallel int, logger zerolog.Logger) *Resolver {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Resolver{
		db:          database,
		computer:    computer,
		cache:       itcCache,
		logger:      logger.With().Str("component", "itc_resolver").Logger(),
		maxParallel: maxParallel,
	}
}

// Lookup resolves every observation in the batch. A failure for one target
// or one observation never aborts the siblings; only a storage error fails
// the whole call.
func (r *Resolver) Lookup(ctx context.Context, programID string, observationIDs []string, useCache bool) (map[string]*ResultSet, error) {
	ctx, span := telemetry.StartSpan(ctx, "itc", "Lookup")
	defer span.End()

	out := make(map[string]*ResultSet, len(observationIDs))
	for _, obsID := range observationIDs {
		var obs models.Observation
		err := r.db.WithContext(ctx).
			Where("id = ? AND program_id = ?", obsID, programID).
			First(&obs).Error
		if err != nil {
			return nil, err
		}
		rs, err := r.LookupObservation(ctx, obs, useCache)
		if err != nil {
			return nil, err
		}
		out[obsID] = rs
	}
	return out, nil
}

// LookupObservation resolves one observation: loads its asterism, validates
// required parameters, and invokes the ITC once per fully specified target.
func (r *Resolver) LookupObservation(ctx context.Context, obs models.Observation, useCache bool) (*ResultSet, error) {
	ctx, span := telemetry.StartSpan(ctx, "itc", "LookupObservation")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]string{
		"observation_id": obs.ID,
		"instrument":     string(obs.Instrument),
	})

	var targets []models.Target
	err := r.db.WithContext(ctx).
		Where("observation_id = ?", obs.ID).
		Order("created_at ASC, id ASC").
		Find(&targets).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if missing := observationMissing(obs, targets); len(missing) > 0 {
		return NewResultSet(obs.ID, []TargetResult{{Kind: KindMissing, Missing: sortParams(missing)}}), nil
	}

	results := make([]TargetResult, len(targets))
	sem := make(chan struct{}, r.maxParallel)
	var wg sync.WaitGroup

	for i, target := range targets {
		if missing := targetMissing(target); len(missing) > 0 {
			results[i] = TargetResult{
				Kind:       KindMissing,
				TargetID:   target.ID,
				TargetName: target.Name,
				Missing:    sortParams(missing),
			}
			continue
		}

		input := buildInput(obs, target)
		wg.Add(1)
		go func(i int, input Input) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = r.lookupTarget(ctx, input, useCache)
		}(i, input)
	}
	wg.Wait()

	return NewResultSet(obs.ID, results), nil
}

// lookupTarget performs one cached or live ITC call. Errors become the
// target's ServiceError result; they are never propagated.
func (r *Resolver) lookupTarget(ctx context.Context, input Input, useCache bool) TargetResult {
	key, keyErr := cache.InputKey(input)
	if keyErr == nil && useCache {
		var cached Result
		if r.cache.GetITCResult(ctx, key, &cached) {
			telemetry.ITCRequestsTotal.WithLabelValues("cache_hit").Inc()
			return TargetResult{
				Kind:       KindSuccess,
				TargetID:   input.TargetID,
				TargetName: input.TargetName,
				Input:      &input,
				Result:     &cached,
			}
		}
	}

	result, err := r.computer.Compute(ctx, input, useCache)
	if err != nil {
		r.logger.Warn().Err(err).Str("target_id", input.TargetID).Msg("itc call failed")
		return TargetResult{
			Kind:       KindServiceError,
			TargetID:   input.TargetID,
			TargetName: input.TargetName,
			Input:      &input,
			Message:    err.Error(),
		}
	}

	if keyErr == nil {
		if err := r.cache.SetITCResult(ctx, key, result); err != nil {
			r.logger.Debug().Err(err).Msg("failed to cache itc result")
		}
	}

	return TargetResult{
		Kind:       KindSuccess,
		TargetID:   input.TargetID,
		TargetName: input.TargetName,
		Input:      &input,
		Result:     result,
	}
}

// observationMissing checks observation-level required inputs.
func observationMissing(obs models.Observation, targets []models.Target) []Param {
	var missing []Param
	if !obs.HasMode {
		missing = append(missing, ParamObservingMode)
	}
	if len(targets) == 0 {
		missing = append(missing, ParamTarget)
	}
	if obs.HasMode {
		if obs.CentralWavelengthNm <= 0 {
			missing = append(missing, ParamWavelength)
		}
		if obs.SignalToNoise <= 0 {
			missing = append(missing, ParamSignalToNoise)
		}
	}
	return missing
}

// targetMissing checks per-target required inputs.
func targetMissing(target models.Target) []Param {
	var missing []Param
	if target.BrightnessMag == nil {
		missing = append(missing, ParamBrightness)
	}
	if target.RadialVelocityKmS == nil {
		missing = append(missing, ParamRadialVelocity)
	}
	return missing
}

func buildInput(obs models.Observation, target models.Target) Input {
	return Input{
		TargetID:            target.ID,
		TargetName:          target.Name,
		Instrument:          obs.Instrument,
		Grating:             obs.Grating,
		Filter:              obs.Filter,
		FPU:                 obs.FPU,
		CentralWavelengthNm: obs.CentralWavelengthNm,
		SignalToNoise:       obs.SignalToNoise,
		SNWavelengthNm:      obs.SNWavelengthNm,
		BrightnessMag:       *target.BrightnessMag,
		RadialVelocityKmS:   *target.RadialVelocityKmS,
		XBin:                obs.XBin,
		YBin:                obs.YBin,
		ROI:                 obs.ROI,
		ReadMode:            obs.ReadMode,
		AmpGain:             obs.AmpGain,
	}
}
