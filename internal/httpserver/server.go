// Package httpserver serves GitLab hooks, release commands and the
// dashboard feed over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relicta-tech/rollout/internal/config"
	"github.com/relicta-tech/rollout/internal/domain/rollout"
	"github.com/relicta-tech/rollout/internal/httpserver/dto"
	"github.com/relicta-tech/rollout/internal/httpserver/handlers"
	"github.com/relicta-tech/rollout/internal/httpserver/middleware"
	httpws "github.com/relicta-tech/rollout/internal/httpserver/websocket"
)

// Metrics observes the HTTP surface.
type Metrics interface {
	middleware.RequestRecorder
	handlers.EventRecorder
}

// Server is the HTTP server of the release controller.
type Server struct {
	config     config.ServerConfig
	router     chi.Router
	httpServer *http.Server
	wsHub      *httpws.Hub
	api        *handlers.Context
	limiter    *middleware.RateLimiter
	metrics    Metrics
	metricsH   http.Handler
	metricsAt  string

	listenMu sync.Mutex
	addr     net.Addr
}

// ServerDeps contains dependencies for creating a new server.
type ServerDeps struct {
	Config   config.ServerConfig
	Releases handlers.ReleaseService
	// Hub streams release activity. A hub serving release snapshots is
	// created when nil.
	Hub     *httpws.Hub
	Metrics Metrics
	// MetricsHandler is mounted at MetricsPath when both are set.
	MetricsHandler http.Handler
	MetricsPath    string
	Version        string
}

// NewServer creates a new HTTP server.
func NewServer(deps ServerDeps) *Server {
	hub := deps.Hub
	if hub == nil {
		hub = httpws.NewHub(deps.Config.AllowedOrigins, ReleaseSnapshot(deps.Releases))
	}

	s := &Server{
		config:    deps.Config,
		wsHub:     hub,
		metrics:   deps.Metrics,
		metricsH:  deps.MetricsHandler,
		metricsAt: deps.MetricsPath,
	}
	var events handlers.EventRecorder
	if deps.Metrics != nil {
		events = deps.Metrics
	}
	s.api = handlers.NewContext(handlers.Context{
		Releases:    deps.Releases,
		Events:      events,
		Feed:        hub,
		HookToken:   deps.Config.HookToken,
		EventSecret: deps.Config.EventSecret,
		Version:     deps.Version,
	})
	if deps.Config.RateLimitRPM > 0 {
		s.limiter = middleware.NewRateLimiter(middleware.PerMinute(deps.Config.RateLimitRPM))
	}

	s.router = s.setupRouter()

	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadTimeout:       s.getReadTimeout(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.getWriteTimeout(),
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// ReleaseLister lists tracked releases.
type ReleaseLister interface {
	List(ctx context.Context, project string) ([]*rollout.Record, error)
}

// ReleaseSnapshot returns the first frame of a dashboard connection: every
// tracked release.
func ReleaseSnapshot(releases ReleaseLister) httpws.SnapshotFunc {
	return func(ctx context.Context) (httpws.Message, error) {
		records, err := releases.List(ctx, "")
		if err != nil {
			return httpws.Message{}, err
		}
		return httpws.Message{Type: "snapshot", Payload: dto.FromRecords(records)}, nil
	}
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.wsHub.Run(ctx)

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listenMu.Lock()
	s.addr = listener.Addr()
	s.listenMu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		// The request context is gone, shut down on a fresh one.
		return s.Shutdown(context.Background()) //nolint:contextcheck // Intentionally new context for graceful shutdown
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.getShutdownTimeout())
	defer cancel()

	s.wsHub.Close()
	if s.limiter != nil {
		s.limiter.Close()
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// Address returns the listening address once Start bound it, else the
// configured one.
func (s *Server) Address() string {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.addr != nil {
		return s.addr.String()
	}
	return s.config.Address
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub for broadcasting events.
func (s *Server) Hub() *httpws.Hub {
	return s.wsHub
}

func (s *Server) getReadTimeout() time.Duration {
	if s.config.ReadTimeout > 0 {
		return s.config.ReadTimeout
	}
	return 15 * time.Second
}

// getWriteTimeout also bounds command handling, which waits on GitLab
// and chat deliveries.
func (s *Server) getWriteTimeout() time.Duration {
	if s.config.WriteTimeout > 0 {
		return s.config.WriteTimeout
	}
	return 60 * time.Second
}

func (s *Server) getShutdownTimeout() time.Duration {
	if s.config.ShutdownTimeout > 0 {
		return s.config.ShutdownTimeout
	}
	return 30 * time.Second
}
