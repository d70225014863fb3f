// Package server exposes the engine over HTTP and a websocket notification
// stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/api"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/auth"
	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/engine"
)

// Server routes HTTP requests to the engine.
type Server struct {
	eng       *engine.Engine
	validator *auth.JWTValidator
	limiter   *api.IPRateLimiter
	schemas   *api.Schemas
	logger    *slog.Logger
}

// New creates a server for eng using eng.Config for auth and rate limits.
func New(eng *engine.Engine) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("server: engine required")
	}
	schemas, err := api.CompileSchemas()
	if err != nil {
		return nil, err
	}
	cfg := eng.Config
	s := &Server{
		eng:       eng,
		validator: auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		schemas:   schemas,
		logger:    slog.Default().With("component", "server"),
	}
	if cfg.Server.RateLimit > 0 {
		s.limiter = api.NewIPRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	}
	return s, nil
}

// Validator returns the bearer token validator, nil when auth is not
// configured.
func (s *Server) Validator() *auth.JWTValidator { return s.validator }

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestIDHeader)
	r.Use(middleware.Recoverer)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}
	r.Use(s.track)
	r.Use(auth.NewMiddleware(s.validator, s.eng.Authz))

	r.Get("/health", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/executors/{id}", func(r chi.Router) {
			r.Post("/tone", s.updateTone)
			r.Get("/state", s.getState)
			r.Get("/guard", s.getGuard)
			r.Get("/tokens", s.listTokens)
		})
		r.Post("/brake/preview", s.previewBrake)
		r.Post("/brake/issue", s.issueWithBrake)
		r.Get("/tokens/{id}", s.getToken)
		r.Post("/tokens/{id}/revoke", s.revokeToken)
		r.Post("/evidence", s.postEvidence)
		r.Post("/reflex/pulse", s.pulse)
		r.Post("/reflex/manual", s.manualTrigger)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/config", s.getAdminConfig)
			r.Put("/rate-limit", s.setRateLimit)
			r.Put("/circuit-breaker", s.setCircuitBreaker)
			r.Put("/reflex", s.setReflexConfig)
			r.Put("/hysteresis", s.setHysteresis)
			r.Put("/hard-caps", s.setHardCaps)
			r.Post("/pause", s.pause)
			r.Post("/unpause", s.unpause)
			r.Post("/executors/{id}/reset-shutdown", s.resetShutdown)
		})

		r.Get("/events/stream", s.streamEvents)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	}
}

func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

// track records a span and the RED metrics per request.
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx, done := s.eng.Telemetry.TrackOperation(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		next.ServeHTTP(ww, r.WithContext(ctx))
		var err error
		if ww.Status() >= http.StatusInternalServerError {
			err = fmt.Errorf("status %d", ww.Status())
		}
		done(err)
	})
}
