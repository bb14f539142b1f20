package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/akosenkov/passvault/internal/logging"
	sc "github.com/akosenkov/passvault/internal/server/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	readTimeout      = 10 * time.Second
	writeTimeout     = 30 * time.Second
	shutdownDuration = 10 * time.Second
)

// Server owns the HTTP listener and the route table.
type Server struct {
	cfg     *sc.Config
	logger  logging.Logger
	handler *Handler
	isReady atomic.Bool

	srv *http.Server
}

// NewServer constructs the server with all routes mounted.
func NewServer(cfg *sc.Config, handler *Handler, logger logging.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
	}
	s.isReady.Store(true)

	s.srv = &http.Server{
		Addr:         cfg.EndpointAddrHTTP,
		Handler:      s.router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

func (s *Server) router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Get("/livez", s.handleLiveness)
	mux.Get("/readyz", s.handleReadiness)

	// The claiming device holds only the session id, never a token.
	mux.Post("/api/pairing/sessions/{id}/resolve", s.handler.handlePairingResolve)

	mux.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/api/devices", s.handler.handleDeviceRegister)
		r.Get("/api/devices", s.handler.handleDeviceList)
		r.Delete("/api/devices/{id}", s.handler.handleDeviceDelete)
		r.Post("/api/devices/{id}/verification", s.handler.handleVerificationIssue)
		r.Post("/api/devices/{id}/verification/check", s.handler.handleVerificationCheck)
		r.Post("/api/devices/{id}/verification/resend", s.handler.handleVerificationResend)

		r.Post("/api/pairing/sessions", s.handler.handlePairingCreate)
		r.Get("/api/pairing/sessions/{id}", s.handler.handlePairingStatus)
		r.Get("/api/pairing/sessions/{id}/qr", s.handler.handlePairingQR)
		r.Delete("/api/pairing/sessions/{id}", s.handler.handlePairingCancel)

		r.Post("/api/sync/runs", s.handler.handleRunInitiate)
		r.Get("/api/sync/runs", s.handler.handleRunList)
		r.Get("/api/sync/runs/{id}", s.handler.handleRunGet)
		r.Put("/api/sync/runs/{id}/conflicts/{index}", s.handler.handleConflictResolve)
		r.Post("/api/sync/runs/{id}/cancel", s.handler.handleRunCancel)
	})

	return mux
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// RunInBackground starts the listener on its own goroutine.
func (s *Server) RunInBackground(ctx context.Context) {
	go func() {
		s.logger.Info(ctx, "starting http server", "addr", s.cfg.EndpointAddrHTTP)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server failed", "error", err.Error())
		}
	}()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown() {
	s.isReady.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDuration)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error(ctx, "http server shutdown failed", "error", err.Error())
		return
	}
	s.logger.Info(ctx, "http server stopped")
}
