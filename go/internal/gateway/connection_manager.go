package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ConnectionManager manages WebSocket connections for the notification feed
type ConnectionManager struct {
	// Connection pools organized by order ID, plus the firehose pool that
	// receives every event
	orderConnections map[string]map[*Connection]bool
	feedConnections  map[*Connection]bool
	mu               sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	// Connection configuration
	config ConnectionConfig

	// Event broadcasting
	broadcastCh chan BroadcastMessage
}

// Connection represents a WebSocket connection to a client. An empty
// OrderID subscribes the client to the firehose.
type Connection struct {
	ID       string
	ClientID string
	OrderID  string
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	// Connection metadata
	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage represents a message to broadcast to connections
type BroadcastMessage struct {
	OrderID  string
	Event    *FeedEvent
	ClientID string // Optional: if set, only send to this client
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024, // 1KB max message size
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	cm := &ConnectionManager{
		orderConnections: make(map[string]map[*Connection]bool),
		feedConnections:  make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000), // Buffer for high throughput
	}

	return cm
}

// Start begins processing broadcast messages
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket. An empty
// orderID subscribes the connection to the firehose feed.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, clientID, orderID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	// Create connection object
	connection := &Connection{
		ID:          uuid.New().String(),
		ClientID:    clientID,
		OrderID:     orderID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	// Register the connection
	cm.registerConnection(connection)

	// Start connection handlers
	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("client_id", clientID).
		Str("order_id", orderID).
		Msg("WebSocket connection established")

	return nil
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.OrderID == "" {
		cm.feedConnections[conn] = true
	} else {
		if cm.orderConnections[conn.OrderID] == nil {
			cm.orderConnections[conn.OrderID] = make(map[*Connection]bool)
		}
		cm.orderConnections[conn.OrderID][conn] = true
	}

	log.Debug().
		Str("connection_id", conn.ID).
		Str("order_id", conn.OrderID).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.OrderID == "" {
		if _, exists := cm.feedConnections[conn]; !exists {
			return
		}
		delete(cm.feedConnections, conn)
		close(conn.Send)
	} else {
		connections, exists := cm.orderConnections[conn.OrderID]
		if !exists {
			return
		}
		if _, exists := connections[conn]; !exists {
			return
		}
		delete(connections, conn)
		close(conn.Send)

		// Clean up empty order connection pools
		if len(connections) == 0 {
			delete(cm.orderConnections, conn.OrderID)
		}
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("client_id", conn.ClientID).
		Str("order_id", conn.OrderID).
		Msg("connection unregistered")
}

// Broadcast sends a feed event to the order's subscribers and the
// firehose
func (cm *ConnectionManager) Broadcast(event *FeedEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{OrderID: event.OrderID, Event: event}:
	default:
		log.Warn().Str("order_id", event.OrderID).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastToClient sends a feed event to a specific client's connections
func (cm *ConnectionManager) BroadcastToClient(clientID string, event *FeedEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{OrderID: event.OrderID, Event: event, ClientID: clientID}:
	default:
		log.Warn().
			Str("order_id", event.OrderID).
			Str("client_id", clientID).
			Msg("broadcast channel full, dropping client message")
	}
}

// handleBroadcast processes a broadcast message
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	// Create a snapshot of connections to avoid holding lock during broadcast
	var targetConnections []*Connection
	for conn := range cm.orderConnections[message.OrderID] {
		if message.ClientID != "" && conn.ClientID != message.ClientID {
			continue
		}
		targetConnections = append(targetConnections, conn)
	}
	for conn := range cm.feedConnections {
		if message.ClientID != "" && conn.ClientID != message.ClientID {
			continue
		}
		targetConnections = append(targetConnections, conn)
	}
	cm.mu.RUnlock()

	if len(targetConnections) == 0 {
		return
	}

	// Marshal the event once
	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	// Send to all target connections
	for _, conn := range targetConnections {
		select {
		case conn.Send <- eventData:
		default:
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Str("client_id", conn.ClientID).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("kind", string(message.Event.Kind)).
		Str("order_id", message.OrderID).
		Int("connections", len(targetConnections)).
		Msg("event broadcasted")
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	totalConnections := len(cm.feedConnections)
	orderCounts := make(map[string]int)

	for orderID, connections := range cm.orderConnections {
		count := len(connections)
		totalConnections += count
		orderCounts[orderID] = count
	}

	return map[string]interface{}{
		"total_connections": totalConnections,
		"feed_connections":  len(cm.feedConnections),
		"watched_orders":    len(cm.orderConnections),
		"order_connections": orderCounts,
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
		case message, ok := <-c.Send:
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
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		// Handle incoming messages (ping/pong, client commands, etc.)
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes messages received from the client
func (c *Connection) handleClientMessage(message []byte) {
	// Subscriptions are fixed at upgrade time; client messages are only
	// logged for now.
	log.Debug().
		Str("connection_id", c.ID).
		Str("client_id", c.ClientID).
		RawJSON("message", message).
		Msg("received client message")
}
