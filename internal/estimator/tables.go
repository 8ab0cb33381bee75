/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package estimator holds the pure step cost functions and the static cost
// tables they read. Tables are loaded once at process start and immutable
// for the process lifetime, so estimation stays deterministic.
package estimator

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apexobs/obsdb/internal/models"
)

//go:embed tables.yaml
var defaultTablesYAML []byte

// ConfigChangeCosts are the fixed per-setting change costs.
type ConfigChangeCosts struct {
	First     models.TimeSpan // no previous step: full first-configuration cost
	Filter    models.TimeSpan
	Disperser models.TimeSpan
	FPU       models.TimeSpan
	Offset    models.TimeSpan
}

// ReadoutCost matches one binning/ROI/read-mode combination.
type ReadoutCost struct {
	XBin     int
	YBin     int
	ROI      string
	ReadMode string
	Cost     models.TimeSpan
}

// DetectorCosts hold readout and write overheads for one instrument.
type DetectorCosts struct {
	WriteOverhead  models.TimeSpan
	DefaultReadout models.TimeSpan
	Readouts       []ReadoutCost
}

// Readout looks up the readout cost for the given detector selection,
// falling back to the conservative default for unlisted combinations.
func (d DetectorCosts) Readout(xBin, yBin int, roi, readMode string) models.TimeSpan {
	for _, r := range d.Readouts {
		if r.XBin == xBin && r.YBin == yBin && r.ROI == roi && r.ReadMode == readMode {
			return r.Cost
		}
	}
	return d.DefaultReadout
}

// InstrumentTables bundle every static cost for one instrument.
type InstrumentTables struct {
	Setup        models.SetupTime
	ConfigChange ConfigChangeCosts
	Detector     DetectorCosts
}

// Tables is the full per-instrument cost table set.
type Tables struct {
	byInstrument map[models.Instrument]*InstrumentTables
}

// ForInstrument returns the tables for a known instrument.
func (t *Tables) ForInstrument(instrument models.Instrument) (*InstrumentTables, error) {
	it, ok := t.byInstrument[instrument]
	if !ok {
		return nil, fmt.Errorf("no cost tables for instrument %q", instrument)
	}
	return it, nil
}

// Load reads cost tables from path, or the embedded defaults when path is
// empty. Every duration is validated non-negative at load time.
func Load(path string) (*Tables, error) {
	data := defaultTablesYAML
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read cost tables: %w", err)
		}
	}
	return parse(data)
}

type rawInstrument struct {
	Setup struct {
		Full          string `yaml:"full"`
		Reacquisition string `yaml:"reacquisition"`
	} `yaml:"setup"`
	ConfigChange struct {
		First     string `yaml:"first"`
		Filter    string `yaml:"filter"`
		Disperser string `yaml:"disperser"`
		FPU       string `yaml:"fpu"`
		Offset    string `yaml:"offset"`
	} `yaml:"config_change"`
	Detector struct {
		WriteOverhead         string  `yaml:"write_overhead"`
		DefaultReadoutSeconds float64 `yaml:"default_readout_seconds"`
		Readout               []struct {
			XBin     int     `yaml:"x_bin"`
			YBin     int     `yaml:"y_bin"`
			ROI      string  `yaml:"roi"`
			ReadMode string  `yaml:"read_mode"`
			Seconds  float64 `yaml:"seconds"`
		} `yaml:"readout"`
	} `yaml:"detector"`
}

func parse(data []byte) (*Tables, error) {
	var raw map[string]rawInstrument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse cost tables: %w", err)
	}

	tables := &Tables{byInstrument: make(map[models.Instrument]*InstrumentTables, len(raw))}
	for name, ri := range raw {
		instrument := models.Instrument(name)
		if !instrument.Valid() {
			return nil, fmt.Errorf("cost tables name unknown instrument %q", name)
		}
		it, err := buildInstrument(ri)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", name, err)
		}
		tables.byInstrument[instrument] = it
	}

	if len(tables.byInstrument) == 0 {
		return nil, fmt.Errorf("cost tables define no instruments")
	}
	return tables, nil
}

func buildInstrument(ri rawInstrument) (*InstrumentTables, error) {
	it := &InstrumentTables{}

	var err error
	if it.Setup.Full, err = parseSpan(ri.Setup.Full); err != nil {
		return nil, fmt.Errorf("setup.full: %w", err)
	}
	if it.Setup.Reacquisition, err = parseSpan(ri.Setup.Reacquisition); err != nil {
		return nil, fmt.Errorf("setup.reacquisition: %w", err)
	}
	if it.ConfigChange.First, err = parseSpan(ri.ConfigChange.First); err != nil {
		return nil, fmt.Errorf("config_change.first: %w", err)
	}
	if it.ConfigChange.Filter, err = parseSpan(ri.ConfigChange.Filter); err != nil {
		return nil, fmt.Errorf("config_change.filter: %w", err)
	}
	if it.ConfigChange.Disperser, err = parseSpan(ri.ConfigChange.Disperser); err != nil {
		return nil, fmt.Errorf("config_change.disperser: %w", err)
	}
	if it.ConfigChange.FPU, err = parseSpan(ri.ConfigChange.FPU); err != nil {
		return nil, fmt.Errorf("config_change.fpu: %w", err)
	}
	if it.ConfigChange.Offset, err = parseSpan(ri.ConfigChange.Offset); err != nil {
		return nil, fmt.Errorf("config_change.offset: %w", err)
	}
	if it.Detector.WriteOverhead, err = parseSpan(ri.Detector.WriteOverhead); err != nil {
		return nil, fmt.Errorf("detector.write_overhead: %w", err)
	}
	if it.Detector.DefaultReadout, err = secondsSpan(ri.Detector.DefaultReadoutSeconds); err != nil {
		return nil, fmt.Errorf("detector.default_readout_seconds: %w", err)
	}

	it.Detector.Readouts = make([]ReadoutCost, 0, len(ri.Detector.Readout))
	for i, r := range ri.Detector.Readout {
		cost, err := secondsSpan(r.Seconds)
		if err != nil {
			return nil, fmt.Errorf("detector.readout[%d]: %w", i, err)
		}
		it.Detector.Readouts = append(it.Detector.Readouts, ReadoutCost{
			XBin:     r.XBin,
			YBin:     r.YBin,
			ROI:      r.ROI,
			ReadMode: r.ReadMode,
			Cost:     cost,
		})
	}

	return it, nil
}

func parseSpan(s string) (models.TimeSpan, error) {
	if s == "" {
		return models.TimeSpan{}, fmt.Errorf("duration is required")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return models.TimeSpan{}, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return models.NewTimeSpan(d)
}

func secondsSpan(seconds float64) (models.TimeSpan, error) {
	return models.NewTimeSpan(time.Duration(seconds * float64(time.Second)))
}
