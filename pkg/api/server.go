// Package api exposes the recognition service over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MrCodeEU/cortex/pkg/logging"
	"github.com/MrCodeEU/cortex/pkg/pipeline"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

var log = logging.Component("api")

// Server is the HTTP query API.
type Server struct {
	svc        *pipeline.Service
	router     *chi.Mux
	httpServer *http.Server

	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a server listening on addr.
func NewServer(svc *pipeline.Service, addr string) *Server {
	r := chi.NewRouter()

	s := &Server{
		svc:     svc,
		router:  r,
		closing: make(chan struct{}),
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Get("/identities", s.handleListIdentities)
		r.Post("/identities/{name}", s.handleEnroll)
		r.Post("/identities/{name}/capture", s.handleCapture)
		r.Delete("/identities/{name}", s.handleDelete)
		r.Post("/reload", s.handleReload)

		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/frame.jpg", s.handleFrame)
		r.Get("/snapshots/ws", s.handleSnapshotStream)

		r.Put("/actuation", s.handleActuation)
		r.Post("/actuation/test", s.handleActuationTest)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Infof("Starting API server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, ends snapshot streams and waits for
// active requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server")
	s.closeOnce.Do(func() { close(s.closing) })

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		log.WithFields(logging.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": chiMiddleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}
