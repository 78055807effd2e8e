// Package server wires the HTTP API: master-agent endpoints, the daemon
// control-plane upgrade, and the daemon REST fallback.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neboloop/lens/internal/logging"
	"github.com/neboloop/lens/internal/masteragent"
	"github.com/neboloop/lens/internal/registry"
)

// TokenVerifier authenticates daemon bearer tokens on the REST fallback.
type TokenVerifier interface {
	Verify(token string) (userID string, err error)
}

// Server hosts the HTTP surface.
type Server struct {
	master   *masteragent.Master
	registry *registry.Registry
	tokens   TokenVerifier
	port     int

	httpServer *http.Server
}

// New builds the server and its router.
func New(master *masteragent.Master, reg *registry.Registry, tokens TokenVerifier, port int) *Server {
	s := &Server{master: master, registry: reg, tokens: tokens, port: port}

	r := chi.NewRouter()

	r.Route("/api/master-agent", func(r chi.Router) {
		r.Post("/query", s.handleQuery)
		r.Get("/task/{taskId}", s.handleGetTask)
		r.Get("/health", s.handleHealth)
	})

	r.Route("/daemon-api/test", func(r chi.Router) {
		r.Post("/spawn", s.handleTestSpawn)
		r.Get("/agent/{agentId}", s.handleTestGetAgent)
	})

	r.Get("/ws/daemon", reg.HandleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.daemonAuth)
		r.Post("/api/daemon/heartbeat", s.handleDaemonHeartbeat)
		r.Post("/api/subagent/{agentId}/status", s.handleSubAgentStatus)
		r.Post("/api/subagent/{agentId}/complete", s.handleSubAgentComplete)
		r.Post("/api/subagent/{agentId}/log", s.handleSubAgentLog)
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then drains with a shutdown budget.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Infof("[Server] Listening on :%d", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Infof("[Server] Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.registry.Shutdown()
	return s.httpServer.Shutdown(shutdownCtx)
}
