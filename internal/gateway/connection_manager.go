package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/protocol"
)

// ConnectionManager owns every WebSocket connection, grouped into
// per-room pools. Broadcasts funnel through one buffered channel drained
// by a single goroutine, so events for a room reach its members in
// exactly the order the registry applied the mutations.
type ConnectionManager struct {
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage

	// Optional tee of every room broadcast to an external sink.
	sink EventSink
}

// Connection represents one client channel. MemberID doubles as the
// connection-scoped member identity: a reconnect produces a new one.
//
// Send is never closed: the broadcast goroutine may race a concurrent
// unregister, and a send on a closed channel would panic the fan-out
// loop for every room. Unregistering closes done instead; a straggler
// message lands in the buffer and is collected with the connection.
type Connection struct {
	MemberID string
	RoomID   string
	Conn     *websocket.Conn
	Send     chan []byte
	done     chan struct{}
	Manager  *ConnectionManager

	ConnectedAt time.Time
	LastPong    time.Time

	// onMessage receives every parsed inbound event; onClose fires once
	// when the connection goes away for any reason.
	onMessage func(*Connection, protocol.Event)
	onClose   func(*Connection)
}

// ConnectionConfig holds transport tuning for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is one queued fan-out. TargetMemberID narrows it to a
// single member, ExceptMemberID excludes one; both empty means everyone.
type BroadcastMessage struct {
	RoomID         string
	Event          protocol.Event
	TargetMemberID string
	ExceptMemberID string
}

// EventSink receives a copy of every room-wide broadcast, e.g. for the
// NATS relay. Implementations must not block.
type EventSink interface {
	Publish(ctx context.Context, ev protocol.Event) error
}

// DefaultConnectionConfig returns the transport defaults. The read
// deadline is refreshed on every pong, so a peer that misses pings for
// ReadTimeout gets dropped.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  16 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a manager with the given transport config.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// SetSink attaches an external event sink. Must be called before Start.
func (cm *ConnectionManager) SetSink(sink EventSink) {
	cm.sink = sink
}

// Start drains the broadcast queue until the context is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(ctx, message)
		}
	}
}

// Broadcast enqueues an event for every member of a room.
func (cm *ConnectionManager) Broadcast(roomID string, ev protocol.Event) {
	cm.enqueue(BroadcastMessage{RoomID: roomID, Event: ev})
}

// BroadcastExcept enqueues an event for every member but one.
func (cm *ConnectionManager) BroadcastExcept(roomID, exceptMemberID string, ev protocol.Event) {
	cm.enqueue(BroadcastMessage{RoomID: roomID, Event: ev, ExceptMemberID: exceptMemberID})
}

// SendTo enqueues an event for a single member.
func (cm *ConnectionManager) SendTo(roomID, memberID string, ev protocol.Event) {
	cm.enqueue(BroadcastMessage{RoomID: roomID, Event: ev, TargetMemberID: memberID})
}

func (cm *ConnectionManager) enqueue(message BroadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		log.Warn().
			Str("room_id", message.RoomID).
			Str("event_type", string(message.Event.Type)).
			Msg("broadcast channel full, dropping message")
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection
// and registers it with the room pool. The message and close callbacks
// wire the connection to the dispatcher.
func (cm *ConnectionManager) UpgradeConnection(
	w http.ResponseWriter,
	r *http.Request,
	memberID, roomID string,
	onMessage func(*Connection, protocol.Event),
	onClose func(*Connection),
) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return nil, err
	}

	connection := &Connection{
		MemberID:    memberID,
		RoomID:      roomID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPong:    time.Now(),
		onMessage:   onMessage,
		onClose:     onClose,
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("member_id", memberID).
		Str("room_id", roomID).
		Msg("WebSocket connection established")
	return connection, nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[conn.RoomID] == nil {
		cm.roomConnections[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.RoomID][conn] = true

	log.Debug().
		Str("member_id", conn.MemberID).
		Str("room_id", conn.RoomID).
		Int("total_connections", len(cm.roomConnections[conn.RoomID])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	registered := false
	if connections, exists := cm.roomConnections[conn.RoomID]; exists {
		if _, exists := connections[conn]; exists {
			registered = true
			delete(connections, conn)
			close(conn.done)
			if len(connections) == 0 {
				delete(cm.roomConnections, conn.RoomID)
			}
		}
	}
	cm.mu.Unlock()

	if registered {
		log.Info().
			Str("member_id", conn.MemberID).
			Str("room_id", conn.RoomID).
			Msg("connection unregistered")
		if conn.onClose != nil {
			conn.onClose(conn)
		}
	}
}

// handleBroadcast delivers one queued message to its target connections.
func (cm *ConnectionManager) handleBroadcast(ctx context.Context, message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.roomConnections[message.RoomID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	var targets []*Connection
	for conn := range connections {
		if message.TargetMemberID != "" && conn.MemberID != message.TargetMemberID {
			continue
		}
		if message.ExceptMemberID != "" && conn.MemberID == message.ExceptMemberID {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- data:
		default:
			// Connection is slow or dead; cut it loose. The write pump
			// sees done close and tears the socket down itself.
			log.Warn().
				Str("member_id", conn.MemberID).
				Str("room_id", conn.RoomID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
		}
	}

	if cm.sink != nil && message.TargetMemberID == "" {
		if err := cm.sink.Publish(ctx, message.Event); err != nil {
			log.Error().
				Err(err).
				Str("event_type", string(message.Event.Type)).
				Msg("event sink publish failed")
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("room_id", message.RoomID).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// Stats returns counts of active connections per room.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{RoomConnections: make(map[string]int)}
	for roomID, connections := range cm.roomConnections {
		stats.TotalConnections += len(connections)
		stats.RoomConnections[roomID] = len(connections)
	}
	stats.ActiveRooms = len(cm.roomConnections)
	return stats
}

// writePump sends queued messages and periodic pings to the peer.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("member_id", c.MemberID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("member_id", c.MemberID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads inbound frames, refreshing the liveness deadline on
// every pong. Malformed frames are logged and skipped; they never take
// the room down for other members.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPong = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("member_id", c.MemberID).
					Msg("unexpected WebSocket close error")
			}
			break
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))

		var ev protocol.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warn().
				Err(err).
				Str("member_id", c.MemberID).
				Msg("dropping malformed client message")
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c, ev)
		}
	}
}
