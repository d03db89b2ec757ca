package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mcdev12/syncroom/go/internal/metrics"
	"github.com/mcdev12/syncroom/go/internal/protocol"
)

// ConnectionManager manages WebSocket connections grouped by room
type ConnectionManager struct {
	// Connection pools organized by room ID
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	clock    clockwork.Clock
	metrics  metrics.Collector
	handler  MessageHandler

	broadcastCh chan BroadcastMessage
}

// MessageHandler receives decoded traffic and lifecycle events of connections.
type MessageHandler interface {
	HandleMessage(c *Connection, data []byte, received time.Time)
	HandleDisconnect(c *Connection)
}

// Connection represents a WebSocket connection to a room member
type Connection struct {
	ID       string
	ClientID string
	Username string
	RoomID   string
	Conn     *websocket.Conn
	Manager  *ConnectionManager

	ConnectedAt time.Time

	send    chan []byte
	sendMu  sync.Mutex
	closed  bool
	limiter *rate.Limiter
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout      time.Duration              `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gt=0"`
	ReadTimeout       time.Duration              `yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gt=0"`
	PingInterval      time.Duration              `yaml:"ping_interval" env:"PING_INTERVAL" validate:"gt=0,ltfield=ReadTimeout"`
	MaxMessageSize    int64                      `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE" validate:"gt=0"`
	ReadBufferSize    int                        `yaml:"read_buffer_size" env:"READ_BUFFER_SIZE" validate:"gt=0"`
	WriteBufferSize   int                        `yaml:"write_buffer_size" env:"WRITE_BUFFER_SIZE" validate:"gt=0"`
	SendBufferSize    int                        `yaml:"send_buffer_size" env:"SEND_BUFFER_SIZE" validate:"gt=0"`
	MessagesPerSecond float64                    `yaml:"messages_per_second" env:"MESSAGES_PER_SECOND" validate:"gt=0"`
	MessageBurst      int                        `yaml:"message_burst" env:"MESSAGE_BURST" validate:"gt=0"`
	CheckOrigin       func(r *http.Request) bool `yaml:"-" env:"-"`
}

// BroadcastMessage is an encoded response queued for every connection of a room
type BroadcastMessage struct {
	RoomID string
	Type   protocol.ResponseType
	Data   []byte
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		PingInterval:      30 * time.Second,
		MaxMessageSize:    4096,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		SendBufferSize:    256,
		MessagesPerSecond: 100,
		MessageBurst:      50,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, clock clockwork.Clock, m metrics.Collector) *ConnectionManager {
	if m == nil {
		m = metrics.NoOp{}
	}
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		clock:       clock,
		metrics:     m,
		broadcastCh: make(chan BroadcastMessage, 1000), // Buffer for high throughput
	}
}

// SetHandler installs the handler for inbound messages and disconnects.
func (cm *ConnectionManager) SetHandler(h MessageHandler) {
	cm.handler = h
}

// Start processes broadcast messages until ctx is cancelled
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and registers it
// under roomID. The returned connection is already pumping.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, roomID, clientID, username string) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		ClientID:    clientID,
		Username:    username,
		RoomID:      roomID,
		Conn:        conn,
		Manager:     cm,
		ConnectedAt: cm.clock.Now(),
		send:        make(chan []byte, cm.config.SendBufferSize),
		limiter:     rate.NewLimiter(rate.Limit(cm.config.MessagesPerSecond), cm.config.MessageBurst),
	}

	cm.registerConnection(connection)

	go connection.writePump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("client_id", clientID).
		Str("room_id", roomID).
		Msg("WebSocket connection established")

	return connection, nil
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	if cm.roomConnections[conn.RoomID] == nil {
		cm.roomConnections[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.RoomID][conn] = true
	total := cm.totalLocked()
	roomCount := len(cm.roomConnections[conn.RoomID])
	cm.mu.Unlock()

	cm.metrics.SetConnections(total)
	log.Debug().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Int("room_connections", roomCount).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager. The handler is
// told about the disconnect exactly once.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	connections, exists := cm.roomConnections[conn.RoomID]
	if !exists || !connections[conn] {
		cm.mu.Unlock()
		return
	}
	delete(connections, conn)
	if len(connections) == 0 {
		delete(cm.roomConnections, conn.RoomID)
	}
	total := cm.totalLocked()
	cm.mu.Unlock()

	conn.closeSend()
	cm.metrics.SetConnections(total)

	log.Info().
		Str("connection_id", conn.ID).
		Str("client_id", conn.ClientID).
		Str("room_id", conn.RoomID).
		Msg("connection unregistered")

	if cm.handler != nil {
		cm.handler.HandleDisconnect(conn)
	}
}

func (cm *ConnectionManager) totalLocked() int {
	total := 0
	for _, connections := range cm.roomConnections {
		total += len(connections)
	}
	return total
}

// BroadcastToRoom queues a response for every connection in the room.
func (cm *ConnectionManager) BroadcastToRoom(roomID string, msg protocol.Response) {
	data, err := protocol.EncodeResponse(msg)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to encode broadcast")
		return
	}

	select {
	case cm.broadcastCh <- BroadcastMessage{RoomID: roomID, Type: msg.ResponseType(), Data: data}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping message")
	}
}

// SendTo queues a response for a single connection.
func (cm *ConnectionManager) SendTo(conn *Connection, msg protocol.Response) error {
	data, err := protocol.EncodeResponse(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.ResponseType(), err)
	}
	if !conn.enqueue(data) {
		cm.dropSlow(conn)
		return fmt.Errorf("send %s to %s: connection closed or full", msg.ResponseType(), conn.ID)
	}
	cm.metrics.RecordMessage("out", string(msg.ResponseType()))
	return nil
}

// handleBroadcast delivers one queued message
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.roomConnections[message.RoomID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	// Snapshot to avoid holding the lock during delivery
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range targets {
		if conn.enqueue(message.Data) {
			cm.metrics.RecordMessage("out", string(message.Type))
			continue
		}
		cm.dropSlow(conn)
	}

	log.Debug().
		Str("type", string(message.Type)).
		Str("room_id", message.RoomID).
		Int("connections", len(targets)).
		Msg("message broadcasted")
}

// dropSlow closes a connection whose send buffer is full
func (cm *ConnectionManager) dropSlow(conn *Connection) {
	log.Warn().
		Str("connection_id", conn.ID).
		Str("client_id", conn.ClientID).
		Msg("connection send buffer full, closing connection")
	cm.metrics.RecordDroppedConnection()
	cm.unregisterConnection(conn)
	conn.Conn.Close()
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.roomConnections {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// ConnectionStats summarizes open connections
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		ActiveRooms:     len(cm.roomConnections),
		RoomConnections: make(map[string]int, len(cm.roomConnections)),
	}
	for roomID, connections := range cm.roomConnections {
		stats.TotalConnections += len(connections)
		stats.RoomConnections[roomID] = len(connections)
	}
	return stats
}

// enqueue hands data to the write pump without blocking. It reports false
// when the connection is closed or its buffer is full.
func (c *Connection) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads messages until the connection fails. It blocks; callers run
// it on the goroutine that owns the connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}
		received := c.Manager.clock.Now()

		if !c.limiter.Allow() {
			c.Manager.metrics.RecordRateLimited()
			log.Warn().
				Str("connection_id", c.ID).
				Str("client_id", c.ClientID).
				Msg("message rate limit exceeded, dropping message")
			continue
		}

		if c.Manager.handler != nil {
			c.Manager.handler.HandleMessage(c, message, received)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
