// Package api serves the SkyFence HTTP API: position ingestion, zone and
// station queries, dock and pod operations, and the live WebSocket feed.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skyfence/skyfence/internal/config"
	"github.com/skyfence/skyfence/internal/dock"
	"github.com/skyfence/skyfence/internal/groundstop"
	"github.com/skyfence/skyfence/internal/metrics"
	"github.com/skyfence/skyfence/internal/pod"
	"github.com/skyfence/skyfence/internal/store"
	"github.com/skyfence/skyfence/internal/track"
	"github.com/skyfence/skyfence/internal/violation"
	"github.com/skyfence/skyfence/internal/zone"
)

// Server is the SkyFence API server.
type Server struct {
	config     config.ServerConfig
	store      store.Store
	cfgLoader  *config.Loader
	catalog    *zone.Catalog
	tracks     *track.TrackStore
	evaluator  *violation.Evaluator
	allocator  *dock.Allocator
	holding    *pod.Pod
	stops      *groundstop.GroundStop
	metrics    *metrics.Metrics
	wsHub      *WebSocketHub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg config.ServerConfig,
	st store.Store,
	cfgLoader *config.Loader,
	catalog *zone.Catalog,
	tracks *track.TrackStore,
	evaluator *violation.Evaluator,
	allocator *dock.Allocator,
	holding *pod.Pod,
	stops *groundstop.GroundStop,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		store:     st,
		cfgLoader: cfgLoader,
		catalog:   catalog,
		tracks:    tracks,
		evaluator: evaluator,
		allocator: allocator,
		holding:   holding,
		stops:     stops,
		metrics:   m,
		wsHub:     NewWebSocketHub(logger, cfg.CORS),
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "api.Server"),
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Positions
	s.mux.HandleFunc("POST /api/positions", s.handleIngestPosition)
	s.mux.HandleFunc("GET /api/positions/current", s.handleCurrentPositions)
	s.mux.HandleFunc("GET /api/positions/near", s.handlePositionsNear)
	s.mux.HandleFunc("GET /api/agents/{id}/history", s.handleAgentHistory)
	s.mux.HandleFunc("GET /api/agents/{id}/allocation", s.handleAgentAllocation)

	// Zones
	s.mux.HandleFunc("GET /api/zones", s.handleListZones)
	s.mux.HandleFunc("GET /api/zones/stats", s.handleZoneStats)
	s.mux.HandleFunc("GET /api/zones/{id}", s.handleGetZone)
	s.mux.HandleFunc("POST /api/zones/reload", s.handleReloadZones)
	s.mux.HandleFunc("POST /api/zones/{id}/status", s.handleSetZoneStatus)

	// Stations and docking
	s.mux.HandleFunc("GET /api/stations", s.handleListStations)
	s.mux.HandleFunc("GET /api/stations/optimal", s.handleOptimalStation)
	s.mux.HandleFunc("GET /api/stations/stats", s.handleStationStats)
	s.mux.HandleFunc("GET /api/stations/{id}", s.handleGetStation)
	s.mux.HandleFunc("POST /api/stations/{id}/status", s.handleSetStationStatus)
	s.mux.HandleFunc("POST /api/dock", s.handleDock)
	s.mux.HandleFunc("POST /api/undock", s.handleUndock)
	s.mux.HandleFunc("GET /api/allocations", s.handleListAllocations)

	// Holding pod
	s.mux.HandleFunc("GET /api/pod", s.handlePodStatus)
	s.mux.HandleFunc("POST /api/pod/admit", s.handlePodAdmit)
	s.mux.HandleFunc("POST /api/pod/release", s.handlePodRelease)

	// Ground stop
	s.mux.HandleFunc("GET /api/groundstop", s.handleGroundStopStatus)
	s.mux.HandleFunc("POST /api/groundstop/global", s.handleGroundStopGlobal)
	s.mux.HandleFunc("DELETE /api/groundstop/global", s.handleGroundStopGlobalReset)
	s.mux.HandleFunc("POST /api/groundstop/agents/{id}", s.handleGroundStopAgent)
	s.mux.HandleFunc("DELETE /api/groundstop/agents/{id}", s.handleGroundStopAgentReset)

	// Violations
	s.mux.HandleFunc("GET /api/violations", s.handleListViolations)

	// System
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	// WebSocket
	s.mux.HandleFunc("GET /api/ws/feed", s.wsHub.HandleWebSocket)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the API server on the given address.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// APIAddr makes a listen address from a port.
func APIAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
