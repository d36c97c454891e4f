package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/postforge/postforge/internal/config"
)

// Server is the collaborator-facing HTTP surface.
type Server struct {
	router *mux.Router
	server *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg config.HTTPConfig, handlers *Handlers) *Server {
	s := &Server{router: mux.NewRouter()}
	s.routes(handlers)

	s.server = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes(h *Handlers) {
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/workflows", h.RunWorkflow).Methods(http.MethodPost)
	v1.HandleFunc("/receipts/{request_id}", h.GetReceipt).Methods(http.MethodGet)
	v1.HandleFunc("/publish/issuance", h.IssueForPublish).Methods(http.MethodPost)
	v1.HandleFunc("/reconcile", h.Reconcile).Methods(http.MethodPost)
	v1.HandleFunc("/balances/{user_id}", h.GetBalance).Methods(http.MethodGet)
	v1.HandleFunc("/balances/{user_id}/entries", h.GetHistory).Methods(http.MethodGet)

	s.router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(h.NotFound)
}

// Router exposes the configured router. Tests only.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
