// Package server exposes the sync service to a local UI over REST and
// pushes sync and connectivity events over WebSocket.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/kimhsiao/fieldsync/internal/events"
	"github.com/kimhsiao/fieldsync/internal/logging"
	syncsvc "github.com/kimhsiao/fieldsync/internal/sync"
)

const shutdownTimeout = 5 * time.Second

// Server routes HTTP requests to a SyncService.
type Server struct {
	svc    syncsvc.SyncService
	hub    *Hub
	logger *logging.Logger
	mux    *http.ServeMux

	unsubscribe []events.Unsubscribe
}

// New builds the router and forwards service events to hub.
func New(svc syncsvc.SyncService, hub *Hub, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Get()
	}
	s := &Server{
		svc:    svc,
		hub:    hub,
		logger: logger.Component("server"),
		mux:    http.NewServeMux(),
	}
	s.routes()

	if hub != nil {
		s.unsubscribe = append(s.unsubscribe,
			svc.AddNetworkListener(hub.BroadcastNetworkChanged),
			svc.SubscribeSyncEvents(hub.BroadcastSyncEvent),
		)
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.health)

	s.mux.HandleFunc("GET /api/sync/status", s.syncStatus)
	s.mux.HandleFunc("POST /api/sync/now", s.syncNow)
	s.mux.HandleFunc("POST /api/sync/refresh", s.refreshCache)

	s.mux.HandleFunc("GET /api/actions", s.listActions)
	s.mux.HandleFunc("POST /api/actions", s.enqueueAction)
	s.mux.HandleFunc("GET /api/actions/stats", s.queueStats)
	s.mux.HandleFunc("POST /api/actions/prune", s.pruneActions)

	s.mux.HandleFunc("GET /api/cache/assignments", s.getAssignments)
	s.mux.HandleFunc("PUT /api/cache/assignments", s.putAssignments)
	s.mux.HandleFunc("GET /api/cache/profile", s.getProfile)
	s.mux.HandleFunc("PUT /api/cache/profile", s.putProfile)
	s.mux.HandleFunc("GET /api/cache/stats", s.cacheStats)

	s.mux.HandleFunc("GET /api/progress/{assignmentID}", s.progressHistory)
	s.mux.HandleFunc("POST /api/progress/{assignmentID}", s.recordProgress)

	s.mux.HandleFunc("GET /api/network", s.networkState)

	if s.hub != nil {
		s.mux.Handle("GET /ws", s.hub)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Close detaches the server from service events.
func (s *Server) Close() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
