/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"github.com/apexobs/obsdb/internal/itc"
	"github.com/apexobs/obsdb/internal/models"
	"github.com/apexobs/obsdb/internal/recorder"
	"github.com/apexobs/obsdb/internal/sequence"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps the engine's typed failures onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var missErr *itc.MissingError
	var svcErr *itc.ServiceError
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.As(err, &missErr):
		status = http.StatusUnprocessableEntity
		kind = "missing_parameters"
	case errors.As(err, &svcErr):
		status = http.StatusBadGateway
		kind = "service_error"
	case errors.Is(err, sequence.ErrInvalidSequence):
		status = http.StatusInternalServerError
		kind = "invalid_sequence"
	case errors.Is(err, recorder.ErrDuplicate):
		status = http.StatusConflict
		kind = "duplicate_record"
	case errors.Is(err, recorder.ErrLinkage):
		status = http.StatusConflict
		kind = "linkage_error"
	case errors.Is(err, gorm.ErrRecordNotFound):
		status = http.StatusNotFound
		kind = "not_found"
	}

	writeJSON(w, status, map[string]string{"error": kind, "message": err.Error()})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	programID := chi.URLParam(r, "programID")
	observationID := chi.URLParam(r, "observationID")

	limit := s.cfg.FutureStepLimit
	if raw := r.URL.Query().Get("future_step_limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "future_step_limit must be an integer"})
			return
		}
		limit = parsed
	}

	digest, err := s.generator.Generate(r.Context(), programID, observationID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, digest)
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	digest, err := s.generator.Digest(r.Context(), chi.URLParam(r, "programID"), chi.URLParam(r, "observationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, digest)
}

type resolvedObservation struct {
	Selected *itc.TargetResult  `json:"selected,omitempty"`
	Results  []itc.TargetResult `json:"results"`
}

func (s *Server) handleResolveITC(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(r.URL.Query().Get("observation_ids"), ",")
	observationIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			observationIDs = append(observationIDs, id)
		}
	}
	if len(observationIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "observation_ids is required"})
		return
	}
	useCache := r.URL.Query().Get("use_cache") != "false"

	sets, err := s.resolver.Lookup(r.Context(), chi.URLParam(r, "programID"), observationIDs, useCache)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make(map[string]resolvedObservation, len(sets))
	for obsID, rs := range sets {
		entry := resolvedObservation{Results: rs.Results}
		if sel, ok := rs.Selected(); ok {
			entry.Selected = &sel
		}
		out[obsID] = entry
	}
	writeJSON(w, http.StatusOK, out)
}

type recordVisitRequest struct {
	ObservationID string              `json:"observation_id"`
	Instrument    models.Instrument   `json:"instrument"`
	Static        models.StaticConfig `json:"static"`
}

func (s *Server) handleRecordVisit(w http.ResponseWriter, r *http.Request) {
	var req recordVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	visitID, err := s.recorder.RecordVisit(r.Context(), req.ObservationID, req.Instrument, req.Static)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"visit_id": visitID})
}

type recordAtomRequest struct {
	Instrument   models.Instrument   `json:"instrument"`
	SequenceType models.SequenceType `json:"sequence_type"`
	StepCount    int                 `json:"step_count"`
	AtomIndex    int                 `json:"atom_index"`
}

func (s *Server) handleRecordAtom(w http.ResponseWriter, r *http.Request) {
	var req recordAtomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	atomID, err := s.recorder.RecordAtom(r.Context(), chi.URLParam(r, "visitID"), req.Instrument, req.SequenceType, req.StepCount, req.AtomIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"atom_id": atomID})
}

type recordStepRequest struct {
	Instrument models.Instrument    `json:"instrument"`
	Dynamic    models.DynamicConfig `json:"dynamic"`
	Step       models.StepConfig    `json:"step"`
	StepIndex  int                  `json:"step_index"`
}

func (s *Server) handleRecordStep(w http.ResponseWriter, r *http.Request) {
	var req recordStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	stepID, err := s.recorder.RecordStep(r.Context(), chi.URLParam(r, "atomID"), req.Instrument, req.Dynamic, req.Step, req.StepIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"step_id": stepID})
}

type recordDatasetRequest struct {
	Filename     string `json:"filename"`
	DatasetIndex int    `json:"dataset_index"`
}

func (s *Server) handleRecordDataset(w http.ResponseWriter, r *http.Request) {
	var req recordDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	datasetID, err := s.recorder.RecordDataset(r.Context(), chi.URLParam(r, "stepID"), req.Filename, req.DatasetIndex)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"dataset_id": datasetID})
}

type recordEventRequest struct {
	AtomID    string           `json:"atom_id"`
	StepID    string           `json:"step_id"`
	DatasetID string           `json:"dataset_id"`
	EventType models.EventType `json:"event_type"`
	Command   string           `json:"command"`
	Stage     string           `json:"stage"`
	Received  time.Time        `json:"received"`
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": err.Error()})
		return
	}
	eventID, err := s.recorder.RecordEvent(r.Context(), models.ExecutionEvent{
		VisitID:   chi.URLParam(r, "visitID"),
		AtomID:    req.AtomID,
		StepID:    req.StepID,
		DatasetID: req.DatasetID,
		EventType: req.EventType,
		Command:   req.Command,
		Stage:     req.Stage,
		Received:  req.Received,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"event_id": eventID})
}

func (s *Server) handleInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := s.accounting.ComputeInvoice(r.Context(), chi.URLParam(r, "visitID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (s *Server) handleSelectProgram(w http.ResponseWriter, r *http.Request) {
	total, err := s.accounting.SelectProgram(r.Context(), chi.URLParam(r, "programID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, total)
}

func (s *Server) handleEstimateProgram(w http.ResponseWriter, r *http.Request) {
	projected, err := s.accounting.EstimateProgram(r.Context(), chi.URLParam(r, "programID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if projected == nil {
		writeJSON(w, http.StatusOK, map[string]any{"estimable": false})
		return
	}
	writeJSON(w, http.StatusOK, projected)
}
