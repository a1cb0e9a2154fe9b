package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for room channels.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	dispatcher        *Dispatcher
}

// NewWebSocketHandler creates a WebSocket handler.
func NewWebSocketHandler(cm *ConnectionManager, d *Dispatcher) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm, dispatcher: d}
}

// HandleRoomConnection upgrades a client onto a room channel. The room id
// is fixed here for the connection's lifetime; membership starts when the
// client sends joinRoom over the channel.
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		http.Error(w, "room_id is required", http.StatusBadRequest)
		return
	}

	memberID := uuid.New().String()

	_, err := h.connectionManager.UpgradeConnection(
		w, r, memberID, roomID,
		h.dispatcher.HandleEvent,
		h.dispatcher.HandleDisconnect,
	)
	if err != nil {
		log.Error().
			Err(err).
			Str("room_id", roomID).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/room", h.HandleRoomConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
