// Package server exposes the question pipeline over HTTP: a JSON API for
// browser and script clients and a stateless MCP endpoint for agents.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/sage/pkg/metrics"
)

type Server struct {
	log  *slog.Logger
	cfg  Config
	mcp  *mcp.Server
	http *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "Sage MCP Server",
		Version: cfg.Version,
	}, nil)

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
		mcp: mcpServer,
	}

	if err := RegisterAskTool(s.log, mcpServer, cfg.Pipeline, "ask", `
			PURPOSE:
			Answer a natural-language question about the registered datasets (buildings, financials and anything else loaded).

			USAGE RULES:
			- Ask one question per call.
			- To ask a follow-up ("and the lowest?", "what about 2024?"), pass the conversation string returned by the previous call unchanged.
			- If the answer carries low_confidence, tell the user it was planned by keyword matching.
		`); err != nil {
		return nil, fmt.Errorf("failed to create ask tool: %w", err)
	}
	if err := RegisterSchemaTool(s.log, mcpServer, cfg.Source, "schema",
		"Describe every registered dataset: columns with their types and units, row counts, join relationships and the columns available for each kind of metric."); err != nil {
		return nil, fmt.Errorf("failed to create schema tool: %w", err)
	}
	if err := RegisterRunPlanTool(s.log, mcpServer, cfg.Source, cfg.Executor, "run_plan", `
			PURPOSE:
			Validate and execute a structured query plan directly, without the language model.

			USAGE RULES:
			- Consult the schema tool first. Do not guess column names.
			- Invalid plans are rejected with every reason listed.
		`); err != nil {
		return nil, fmt.Errorf("failed to create run_plan tool: %w", err)
	}

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		// Streaming answers wait on two model calls.
		WriteTimeout:   120 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	r.Get("/readyz", s.readyzHandler)
	r.Handle("/metrics", promhttp.Handler())

	mcpHandler := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{
		Stateless: true, // Auto-initialize sessions, no manual initialize required
	})

	r.Group(func(r chi.Router) {
		if len(s.cfg.AllowedTokens) > 0 {
			r.Use(s.authMiddleware)
		}
		r.Handle("/mcp", mcpHandler)

		r.Route("/api", func(r chi.Router) {
			r.Post("/ask", s.handleAsk)
			r.Post("/ask/stream", s.handleAskStream)
			r.Post("/plan", s.handlePlan)
			r.Get("/schema", s.handleSchema)
			r.Get("/interactions", s.handleInteractions)
		})
	})

	return r
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: listening",
		"listenAddr", s.cfg.ListenAddr,
		"datasets", s.cfg.Source.Schema().Names(),
	)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping",
			"reason", ctx.Err(),
			"listenAddr", s.cfg.ListenAddr,
		)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: HTTP server shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error causing shutdown",
			"error", err,
			"listenAddr", s.cfg.ListenAddr,
		)
		return err
	}
}

// readyzHandler reports ready once at least one dataset is registered.
func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if len(s.cfg.Source.Schema().Datasets) == 0 {
		s.log.Debug("readyz: no datasets registered")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("no datasets registered\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

// authMiddleware wraps an HTTP handler with Bearer token authentication
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.unauthorized(w, "missing_header", "missing authorization header")
			return
		}

		// Extract token from "Bearer <token>" format
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.unauthorized(w, "invalid_format", "invalid authorization header format")
			return
		}

		token := strings.TrimSpace(parts[1])
		if token == "" {
			s.unauthorized(w, "empty_token", "empty token")
			return
		}

		if !slices.Contains(s.cfg.AllowedTokens, token) {
			s.unauthorized(w, "invalid_token", "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) unauthorized(w http.ResponseWriter, reason, msg string) {
	metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	w.Header().Set("WWW-Authenticate", `Bearer`)
	w.WriteHeader(http.StatusUnauthorized)
	if _, err := w.Write([]byte("unauthorized: " + msg + "\n")); err != nil {
		s.log.Error("failed to write auth error response", "error", err)
	}
}
