// Package api exposes the redesign HTTP endpoints: photo upload, magic-link
// verification with feedback, and signed artifact downloads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/RoomRedesign/internal/api/middleware"
	"github.com/dharsanguruparan/RoomRedesign/internal/config"
	"github.com/dharsanguruparan/RoomRedesign/internal/metrics"
	"github.com/dharsanguruparan/RoomRedesign/internal/redesign"
	"github.com/dharsanguruparan/RoomRedesign/internal/signing"
	"github.com/dharsanguruparan/RoomRedesign/internal/storage"
	"github.com/dharsanguruparan/RoomRedesign/internal/verification"
	"github.com/dharsanguruparan/RoomRedesign/internal/worker"
)

// Deps are the collaborators the HTTP layer calls into.
type Deps struct {
	Repo       redesign.Repository
	Store      redesign.ArtifactStore
	Dispatcher worker.Dispatcher
	Verifier   *verification.Service
	// Files and Signer are set when artifacts live on the local filesystem
	// and are served by this API.
	Files  *storage.FileStore
	Signer *signing.Signer
	// Ping reports backend health for /healthz. Optional.
	Ping func(ctx context.Context) error
}

// Server exposes HTTP endpoints for uploads and magic links.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time
	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if s.cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(
		middleware.Logger(s.logger),
		chimw.Recoverer,
		middleware.Metrics(),
		corsMiddleware,
	)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/room-redesign", func(r chi.Router) {
		r.Get("/upload", s.handleUploadConfig)
		r.With(middleware.RateLimit(s.cfg.RateLimitPerMin, time.Minute)).Post("/upload", s.handleUpload)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.cfg.RateLimitPerMin, time.Minute))
			r.Get("/verify", s.handleVerify)
			r.Post("/verify", s.handleFeedback)
		})
	})

	if s.deps.Files != nil && s.deps.Signer != nil {
		r.Get("/artifacts/*", s.handleArtifact)
	}
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info().Str("address", s.cfg.Address).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			s.logger.Error().Err(err).Msg("health check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the shape of every unsuccessful response.
type errorBody struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	Status       string `json:"status,omitempty"`
	ErrorDetails string `json:"errorDetails,omitempty"`
	Expired      bool   `json:"expired,omitempty"`
	Processing   bool   `json:"processing,omitempty"`
	Failed       bool   `json:"failed,omitempty"`
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorBody{Error: msg})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestID(r *http.Request) string {
	return chimw.GetReqID(r.Context())
}

// describeTTL renders whole hours the way users read them, e.g. "24 hours".
func describeTTL(d time.Duration) string {
	if d <= 0 || d%time.Hour != 0 {
		return d.String()
	}
	if h := int(d / time.Hour); h != 1 {
		return fmt.Sprintf("%d hours", h)
	}
	return "1 hour"
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
