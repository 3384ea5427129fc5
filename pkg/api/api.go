// Package api exposes the worker protocol and the read-only query
// interface of director over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/director/pkg/artifacts"
	"github.com/ethpandaops/director/pkg/config"
	"github.com/ethpandaops/director/pkg/director"
)

const (
	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 10 << 20
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error

	// Handler returns the router. It is built once and shared by the
	// listener and tests.
	Handler() http.Handler
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	director   director.Director
	presigner  artifacts.Presigner
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}

	routerOnce sync.Once
	router     http.Handler
}

// NewServer creates a new API server. presigner may be nil when artifact
// storage is not configured.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	d director.Director,
	presigner artifacts.Presigner,
) Server {
	return &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		director:  d,
		presigner: presigner,
		done:      make(chan struct{}),
	}
}

func (s *server) Handler() http.Handler {
	s.routerOnce.Do(func() {
		s.router = s.buildRouter()
	})

	return s.router
}

// Start binds the listener and serves requests in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
