/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package itc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/apexobs/obsdb/internal/models"
	"github.com/apexobs/obsdb/internal/telemetry"
)

// Input is the complete per-target request to the ITC.
type Input struct {
	TargetID   string            `json:"target_id"`
	TargetName string            `json:"target_name"`
	Instrument models.Instrument `json:"instrument"`

	Grating             string  `json:"grating"`
	Filter              string  `json:"filter,omitempty"`
	FPU                 string  `json:"fpu"`
	CentralWavelengthNm float64 `json:"central_wavelength_nm"`
	SignalToNoise       float64 `json:"signal_to_noise"`
	SNWavelengthNm      float64 `json:"sn_wavelength_nm"`

	BrightnessMag     float64 `json:"brightness_mag"`
	RadialVelocityKmS float64 `json:"radial_velocity_km_s"`

	XBin     int    `json:"x_bin"`
	YBin     int    `json:"y_bin"`
	ROI      string `json:"roi"`
	ReadMode string `json:"read_mode"`
	AmpGain  string `json:"amp_gain"`
}

// Result is a successful ITC answer.
type Result struct {
	ExposureTime  time.Duration `json:"exposure_time"`
	ExposureCount int           `json:"exposure_count"`
	SignalToNoise float64       `json:"signal_to_noise"`
}

// TotalTime is the integration time the answer demands: exposure × count.
func (r Result) TotalTime() time.Duration {
	return r.ExposureTime * time.Duration(r.ExposureCount)
}

// ServiceError is a per-target failure of the external call. It never
// aborts sibling lookups.
type ServiceError struct {
	TargetID string
	Message  string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("itc call for target %s failed: %s", e.TargetID, e.Message)
}

// ClientConfig holds ITC client configuration.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client is the HTTP client for the external ITC service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates an ITC client with otel-instrumented transport.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With().Str("component", "itc_client").Logger(),
	}
}

type computeRequest struct {
	Input    Input `json:"input"`
	UseCache bool  `json:"use_cache"`
}

type computeResponse struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Success *struct {
		ExposureSeconds float64 `json:"exposure_seconds"`
		Exposures       int     `json:"exposures"`
		SignalToNoise   float64 `json:"signal_to_noise"`
	} `json:"success,omitempty"`
}

// Compute invokes the ITC for one target. useCache is forwarded so the
// service may reuse its own memoized spectra. The caller-supplied context
// deadline bounds the call.
func (c *Client) Compute(ctx context.Context, input Input, useCache bool) (*Result, error) {
	start := time.Now()

	body, err := json.Marshal(computeRequest{Input: input, UseCache: useCache})
	if err != nil {
		return nil, fmt.Errorf("marshal itc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build itc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.ITCRequestsTotal.WithLabelValues("service_error").Inc()
		return nil, &ServiceError{TargetID: input.TargetID, Message: err.Error()}
	}
	defer resp.Body.Close()

	telemetry.ITCRequestDuration.Observe(time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		telemetry.ITCRequestsTotal.WithLabelValues("service_error").Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, &ServiceError{
			TargetID: input.TargetID,
			Message:  fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, string(snippet)),
		}
	}

	var decoded computeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		telemetry.ITCRequestsTotal.WithLabelValues("service_error").Inc()
		return nil, &ServiceError{TargetID: input.TargetID, Message: "malformed response: " + err.Error()}
	}

	switch {
	case decoded.Error != nil:
		telemetry.ITCRequestsTotal.WithLabelValues("service_error").Inc()
		return nil, &ServiceError{TargetID: input.TargetID, Message: decoded.Error.Message}
	case decoded.Success != nil:
		if decoded.Success.ExposureSeconds < 0 || decoded.Success.Exposures < 1 {
			telemetry.ITCRequestsTotal.WithLabelValues("service_error").Inc()
			return nil, &ServiceError{TargetID: input.TargetID, Message: "service returned out-of-range exposure"}
		}
		telemetry.ITCRequestsTotal.WithLabelValues("success").Inc()
		return &Result{
			ExposureTime:  time.Duration(decoded.Success.ExposureSeconds * float64(time.Second)),
			ExposureCount: decoded.Success.Exposures,
			SignalToNoise: decoded.Success.SignalToNoise,
		}, nil
	default:
		telemetry.ITCRequestsTotal.WithLabelValues("service_error").Inc()
		return nil, &ServiceError{TargetID: input.TargetID, Message: "service returned neither error nor success"}
	}
}
