/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server wires the engine together and exposes it over HTTP. The
// handlers are thin: decode, call the typed operation, encode the result or
// its error. The engine itself stays transport-agnostic.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"github.com/apexobs/obsdb/internal/accounting"
	"github.com/apexobs/obsdb/internal/cache"
	"github.com/apexobs/obsdb/internal/config"
	"github.com/apexobs/obsdb/internal/db"
	"github.com/apexobs/obsdb/internal/estimator"
	"github.com/apexobs/obsdb/internal/eventbus"
	"github.com/apexobs/obsdb/internal/itc"
	"github.com/apexobs/obsdb/internal/recorder"
	"github.com/apexobs/obsdb/internal/sequence"
	"github.com/apexobs/obsdb/internal/telemetry"
)

// Server bundles HTTP and the engine services.
type Server struct {
	cfg        *config.Config
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error

	db         *gorm.DB
	cache      *cache.Cache
	bus        *eventbus.NATSBus
	resolver   *itc.Resolver
	generator  *sequence.Generator
	recorder   *recorder.Recorder
	accounting *accounting.Service
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(telemetry.MetricsMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "obsdb-api")
	})
	router.Use(middleware.Timeout(60 * time.Second))

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		router: router,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}
	srv.configureRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return srv, nil
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	cacheCfg := cache.DefaultConfig()
	cacheCfg.RedisAddr = s.cfg.RedisAddr
	cacheCfg.RedisPassword = s.cfg.RedisPassword
	cacheCfg.RedisDB = s.cfg.RedisDB
	itcCache, err := cache.New(cacheCfg, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("itc cache unavailable, continuing uncached")
		itcCache = cache.Disabled(s.logger)
	} else {
		s.DeferClose(func() error { return itcCache.Close() })
	}
	s.cache = itcCache

	bus, err := eventbus.NewNATSBus(s.cfg.NATSURL, s.logger)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	s.bus = bus
	s.DeferClose(bus.Close)

	tables, err := estimator.Load(s.cfg.CostTablesPath)
	if err != nil {
		return fmt.Errorf("cost tables: %w", err)
	}

	client := itc.NewClient(itc.ClientConfig{
		BaseURL: s.cfg.ITCBaseURL,
		Timeout: s.cfg.ITCTimeout,
	}, s.logger)
	s.resolver = itc.NewResolver(database, client, itcCache, s.cfg.ITCMaxParallel, s.logger)
	s.generator = sequence.NewGenerator(database, s.resolver, tables, s.logger)
	s.recorder = recorder.NewRecorder(database, bus, s.logger)
	s.accounting = accounting.NewService(database, s.generator, s.logger)

	return nil
}

// HTTPServer returns the configured HTTP server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Close releases resources in reverse construction order.
func (s *Server) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup to run on Close.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.router.Handle("/metrics", telemetry.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/programs/{programID}/observations/{observationID}/sequence", s.handleGenerate)
		r.Get("/programs/{programID}/observations/{observationID}/digest", s.handleDigest)
		r.Get("/programs/{programID}/itc", s.handleResolveITC)

		r.Post("/visits", s.handleRecordVisit)
		r.Post("/visits/{visitID}/atoms", s.handleRecordAtom)
		r.Post("/atoms/{atomID}/steps", s.handleRecordStep)
		r.Post("/steps/{stepID}/datasets", s.handleRecordDataset)
		r.Post("/visits/{visitID}/events", s.handleRecordEvent)

		r.Get("/visits/{visitID}/invoice", s.handleInvoice)
		r.Get("/programs/{programID}/time", s.handleSelectProgram)
		r.Get("/programs/{programID}/time/estimate", s.handleEstimateProgram)
	})
}
