// Package server exposes a small admin HTTP surface over the session
// manager: pool introspection, checkout, exec, and forced destroy. It
// adds no kernel semantics of its own.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/replkit/replkit/internal/logging"
	"github.com/replkit/replkit/internal/session"
)

// Pool is the slice of the session manager the server needs.
type Pool interface {
	Take(ctx context.Context, id string) (string, *session.Session, error)
	Put(id string, sess *session.Session) error
	Destroy(id string) error
	Entries() []session.EntryInfo
	Get(id string) (*session.Session, bool)
}

// Server serves the admin API.
type Server struct {
	pool   Pool
	router chi.Router
	http   *http.Server
}

// New builds a server around a pool.
func New(pool Pool) *Server {
	s := &Server{pool: pool}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", s.health)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.takeSession)
		r.Route("/{poolID}", func(r chi.Router) {
			r.Post("/exec", s.execCode)
			r.Post("/release", s.releaseSession)
			r.Delete("/", s.destroySession)
		})
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	srvLog := logging.Component("server")
	srvLog.Info().Str("addr", addr).Msg("admin API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
