// Package server exposes the session runtime over HTTP: a JSON API for
// session lifecycle, conversation, working context, promotion, and
// long-term memory, plus SSE event streams.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/seshat-ai/seshat/internal/config"
	"github.com/seshat-ai/seshat/internal/events"
	"github.com/seshat-ai/seshat/internal/session"
	"github.com/seshat-ai/seshat/pkg/models"
)

// Service is the HTTP front of the session runtime.
type Service struct {
	version     string
	cfg         *config.Config
	manager     *session.Manager
	bus         *events.Bus
	broadcaster *Broadcaster

	router     chi.Router
	httpServer *http.Server
	ready      atomic.Bool
	startTime  time.Time

	cancelPump func()
}

// NewService wires the HTTP layer over a session manager and event bus.
func NewService(version string, cfg *config.Config, manager *session.Manager, bus *events.Bus) *Service {
	s := &Service{
		version:     version,
		cfg:         cfg,
		manager:     manager,
		bus:         bus,
		broadcaster: NewBroadcaster(),
		router:      chi.NewRouter(),
		startTime:   time.Now(),
	}
	s.setupRoutes()

	ch, cancel := bus.Subscribe()
	s.cancelPump = cancel
	go s.broadcaster.Run(ch)

	return s
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/version", s.handleVersion)
		r.Get("/events", s.handleGlobalEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.requireReady)

			r.Route("/sessions", func(r chi.Router) {
				r.Post("/", s.handleCreateSession)
				r.Get("/", s.handleListSessions)

				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", s.handleGetSession)
					r.Delete("/", s.handleTerminateSession)
					r.Get("/events", s.handleSessionEvents)
					r.Post("/save", s.handleSaveSession)

					r.Post("/messages", s.handleSendMessage)
					r.Get("/messages", s.handleRecentMessages)
					r.Delete("/messages", s.handleClearConversation)

					r.Put("/context", s.handlePutContext)
					r.Get("/context", s.handleListContext)
					r.Get("/context/{key}", s.handleGetContext)

					r.Post("/pending", s.handleEnqueuePending)
					r.Get("/pending", s.handleListPending)
					r.Post("/promote", s.handlePromote)

					r.Post("/retrieve", s.handleRetrieve)
					r.Post("/enrich", s.handleEnrich)

					r.Route("/memories", func(r chi.Router) {
						r.Post("/", s.handleStoreMemory)
						r.Get("/", s.handleQueryMemories)
						r.Get("/{memoryID}", s.handleGetMemory)
						r.Patch("/{memoryID}", s.handleUpdateMemory)
						r.Delete("/{memoryID}", s.handleDeleteMemory)
					})
				})
			})

			r.Route("/saved-sessions", func(r chi.Router) {
				r.Get("/", s.handleListSaved)
				r.Post("/{sessionID}/restore", s.handleRestoreSession)
				r.Delete("/{sessionID}", s.handleDeleteSaved)
			})
		})
	})
}

// Start binds the listener and serves until Stop.
func (s *Service) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.HTTPPort)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE streams are long-lived.
	}
	s.ready.Store(true)

	log.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains the server and the event pump.
func (s *Service) Stop(ctx context.Context) error {
	s.ready.Store(false)
	if s.cancelPump != nil {
		s.cancelPump()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler tree, used by tests.
func (s *Service) Router() http.Handler { return s.router }

// requireReady rejects traffic until startup completes.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service not ready"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	code := http.StatusOK
	if !s.ready.Load() {
		status = "starting"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":   status,
		"version":  s.version,
		"uptime":   time.Since(s.startTime).String(),
		"sessions": len(s.manager.List()),
	})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// writeJSON encodes a response body with the configured status.
func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps domain errors onto HTTP statuses with a structured
// body.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		code, kind = http.StatusNotFound, "session_not_found"
	case errors.Is(err, models.ErrMemoryNotFound):
		code, kind = http.StatusNotFound, "memory_not_found"
	case errors.Is(err, models.ErrQueueFull):
		code, kind = http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, models.ErrTimeout):
		code, kind = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, models.ErrSessionClosed):
		code, kind = http.StatusConflict, "session_closed"
	case models.IsInvalidTransition(err):
		code, kind = http.StatusConflict, "invalid_transition"
	case models.IsMissingFields(err):
		code, kind = http.StatusBadRequest, "missing_fields"
	}

	s.writeJSON(w, code, map[string]string{"error": kind, "detail": err.Error()})
}

// sessionID pulls the session id route parameter.
func sessionID(r *http.Request) string {
	return chi.URLParam(r, "sessionID")
}
