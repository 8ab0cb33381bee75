/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestMetricsMiddlewareLabelsByRoutePattern(t *testing.T) {
	router := chi.NewRouter()
	router.Use(MetricsMiddleware)
	router.Get("/visits/{visitID}/invoice", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	counter := APIRequestsTotal.WithLabelValues("GET", "/visits/{visitID}/invoice", "409")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/visits/v-1/invoice", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rec.Code)
	}
	if after := testutil.ToFloat64(counter); after != before+1 {
		t.Fatalf("expected request counter %v, got %v", before+1, after)
	}
}

func TestStatusRecorderFirstHeaderWins(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	if _, err := sr.Write([]byte("body")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sr.WriteHeader(http.StatusBadGateway)

	if sr.status != http.StatusOK {
		t.Fatalf("expected recorded status 200, got %d", sr.status)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected response status 200, got %d", rec.Code)
	}
}

func TestInitTracerDisabledIsNoop(t *testing.T) {
	tp, err := InitTracer(context.Background(), TracerConfig{Enabled: false}, zerolog.Nop())
	if err != nil {
		t.Fatalf("init tracer: %v", err)
	}

	ctx, span := StartSpan(context.Background(), "engine", "operation")
	AddSpanAttributes(span, map[string]string{"observation_id": "obs-1"})
	span.End()
	if ctx == nil {
		t.Fatal("expected a context from StartSpan")
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
