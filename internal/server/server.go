// Package server provides the HTTP API and the event stream over the live-data core.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/pulse/internal/clients/quotestream"
	"github.com/aristath/pulse/internal/domain"
	"github.com/aristath/pulse/internal/events"
	"github.com/aristath/pulse/internal/health"
	"github.com/aristath/pulse/internal/modules/alerts"
	"github.com/aristath/pulse/internal/orchestrator"
	"github.com/aristath/pulse/internal/work"
)

// Core is the part of the orchestrator exposed over HTTP
type Core interface {
	Subscribe(handler events.Handler) func()
	Health() *health.Monitor
	StreamState() quotestream.State
	IsRealtime() bool
	IsRunning() bool
	Jobs() []work.JobStatus
	Quotes() []domain.Quote
	News() []domain.NewsItem
	UpdateMarketData(ctx context.Context, symbols []string) ([]domain.Quote, error)
	UpdateNews(ctx context.Context) error
	UpdateSentiment(ctx context.Context) error
	UpdateAIAnalysis(ctx context.Context, symbol string) (*domain.Recommendation, error)
	LastRecommendation(symbol string) (*domain.Recommendation, bool)
	RunPatternScan(ctx context.Context) ([]domain.Pattern, error)
	UpdateRecurrence(minutes int) error
	NotifySettingsChanged(change orchestrator.SettingsChange) bool
}

// AlertStore manages user price alerts
type AlertStore interface {
	Create(ctx context.Context, symbol string, condition domain.AlertCondition, value float64) (*domain.PriceAlert, error)
	List(ctx context.Context) ([]domain.PriceAlert, error)
	Delete(ctx context.Context, id string) error
}

// ErrorLog is the read side of the error audit log
type ErrorLog interface {
	List(ctx context.Context, limit int) ([]health.ErrorEntry, error)
	Count(ctx context.Context) (int, error)
}

// SettingsStore persists individual settings
type SettingsStore interface {
	Set(key string, value string) error
}

// Config holds server configuration
type Config struct {
	Log      zerolog.Logger
	Port     int
	DevMode  bool
	Core     Core
	Alerts   AlertStore
	ErrorLog ErrorLog
	Settings SettingsStore
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config

	system *SystemHandlers
	events *EventsStreamHandler
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}
	s.system = NewSystemHandlers(cfg.Core, cfg.ErrorLog, s.log)
	s.events = NewEventsStreamHandler(cfg.Core, s.log)

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the event stream holds its response open
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5, "application/json"))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		// Long-lived, so outside the request timeout
		r.Get("/events/stream", s.events.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/health", s.system.HandleHealth)
			r.Get("/jobs", s.system.HandleJobs)
			r.Get("/errors", s.system.HandleErrors)

			r.Get("/quotes", s.handleQuotes)
			r.Get("/news", s.handleNews)

			r.Post("/market/refresh", s.handleMarketRefresh)
			r.Post("/news/refresh", s.handleNewsRefresh)
			r.Post("/sentiment/refresh", s.handleSentimentRefresh)
			r.Post("/patterns/scan", s.handlePatternScan)

			r.Route("/ai/{symbol}", func(r chi.Router) {
				r.Get("/", s.handleLastRecommendation)
				r.Post("/", s.handleAIAnalysis)
			})

			r.Route("/settings", func(r chi.Router) {
				r.Put("/recurrence", s.handleRecurrence)
				r.Post("/changed", s.handleSettingsChanged)
			})

			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.handleListAlerts)
				r.Post("/", s.handleCreateAlert)
				r.Delete("/{id}", s.handleDeleteAlert)
			})
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps core errors to status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrNoRecommender), errors.Is(err, orchestrator.ErrNoScanner):
		status = http.StatusNotImplemented
	case errors.Is(err, orchestrator.ErrInvalidInterval), errors.Is(err, alerts.ErrInvalidAlert):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		s.log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}
