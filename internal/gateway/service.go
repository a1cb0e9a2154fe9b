package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/room"
)

// Service composes the gateway: connection manager, dispatcher, snapshot
// handler, and the registry they all share. One service instance serves
// every room in the process.
type Service struct {
	registry          *room.Registry
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler

	staticDir string
}

// Config holds configuration for the gateway service.
type Config struct {
	ConnectionConfig ConnectionConfig
	// StaticDir, when non-empty, is served at / alongside the event
	// channel: one port for assets and protocol both.
	StaticDir string
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() Config {
	return Config{ConnectionConfig: DefaultConnectionConfig()}
}

// NewService builds a gateway service. The sink may be nil.
func NewService(config Config, searcher IssueSearcher, sink EventSink) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig)
	if sink != nil {
		connectionManager.SetSink(sink)
	}

	registry := room.NewRegistry(connectionManager)
	dispatcher := NewDispatcher(registry, searcher)

	return &Service{
		registry:          registry,
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager, dispatcher),
		stateHandler:      NewStateHandler(registry),
		staticDir:         config.StaticDir,
	}
}

// Registry exposes the authoritative store, mainly for tests and stats.
func (s *Service) Registry() *room.Registry {
	return s.registry
}

// Start runs the broadcast loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting room gateway service")
	s.connectionManager.Start(ctx)
	log.Info().Msg("room gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket, state, and static-asset routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}
	log.Info().Msg("room gateway routes registered")
}
