package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/fx-regime-engine/internal/alert"
	"github.com/atlas-desktop/fx-regime-engine/pkg/types"
)

// MessageType defines WebSocket message types.
type MessageType string

const (
	// Server -> Client messages
	MsgTypeSnapshot   MessageType = "portfolio_snapshot"
	MsgTypeRiskAlert  MessageType = "risk_alert"
	MsgTypeHeartbeat  MessageType = "heartbeat"
	MsgTypeSubscribed MessageType = "subscribed"
	MsgTypeError      MessageType = "error"

	// Client -> Server messages
	MsgTypeSubscribe   MessageType = "subscribe"
	MsgTypeUnsubscribe MessageType = "unsubscribe"
)

// Channels clients can subscribe to.
const (
	ChannelPortfolio = "portfolio"
	ChannelAlerts    = "alerts"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// WSMessage is a WebSocket message.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is a WebSocket client connection.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// Hub tracks WebSocket clients and pushes portfolio snapshots and risk alerts to the channels they
// subscribe to. It doubles as an alert.Sink and a live cycle observer.
type Hub struct {
	logger            *zap.Logger
	heartbeatInterval time.Duration

	mu       sync.RWMutex
	clients  map[*Client]bool
	channels map[string]map[*Client]bool
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:            logger,
		heartbeatInterval: 30 * time.Second,
		clients:           make(map[*Client]bool),
		channels:          make(map[string]map[*Client]bool),
	}
}

// Run sends heartbeats until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.sendHeartbeat()
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("Client registered", zap.String("id", c.id))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	c.mu.RLock()
	for channel := range c.subscriptions {
		if clients, ok := h.channels[channel]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	c.mu.RUnlock()
	h.logger.Debug("Client unregistered", zap.String("id", c.id))
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

// sendHeartbeat sends heartbeat to all clients.
func (h *Hub) sendHeartbeat() {
	data, _ := json.Marshal(WSMessage{Type: MsgTypeHeartbeat, Timestamp: time.Now().UnixMilli()})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Subscribe subscribes a client to a channel.
func (h *Hub) Subscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}

	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][c] = true

	c.mu.Lock()
	c.subscriptions[channel] = true
	c.mu.Unlock()

	if data, err := json.Marshal(WSMessage{Type: MsgTypeSubscribed, Channel: channel, Timestamp: time.Now().UnixMilli()}); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}

	h.logger.Debug("Client subscribed to channel",
		zap.String("client", c.id),
		zap.String("channel", channel))
}

// Unsubscribe unsubscribes a client from a channel.
func (h *Hub) Unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.channels[channel]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.channels, channel)
		}
	}

	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

// PublishToChannel publishes a message to a channel. Clients whose buffer is full miss the message.
func (h *Hub) PublishToChannel(channel string, msgType MessageType, data interface{}) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to marshal message data", zap.Error(err))
		return
	}

	msgBytes, err := json.Marshal(WSMessage{
		Type:      msgType,
		Channel:   channel,
		Data:      dataBytes,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.channels[channel] {
		select {
		case c.send <- msgBytes:
		default:
			h.logger.Warn("Client buffer full, dropping message", zap.String("client", c.id))
		}
	}
}

// ObserveCycle pushes each published snapshot to the portfolio channel.
func (h *Hub) ObserveCycle(state *types.PortfolioState, _ time.Duration) {
	h.PublishToChannel(ChannelPortfolio, MsgTypeSnapshot, state)
}

func (h *Hub) Name() string { return "websocket" }

// Send pushes an alert to the alerts channel.
func (h *Hub) Send(_ context.Context, a alert.Alert) error {
	h.PublishToChannel(ChannelAlerts, MsgTypeRiskAlert, a)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a new client and registers it with the hub.
func NewClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		id:            id,
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
	}
	hub.register(c)
	return c
}

// ReadPump handles subscribe and unsubscribe requests until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.logger.Warn("Invalid WebSocket message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case MsgTypeSubscribe:
			c.hub.Subscribe(c, msg.Channel)
		case MsgTypeUnsubscribe:
			c.hub.Unsubscribe(c, msg.Channel)
		default:
			c.hub.logger.Debug("Ignoring client message", zap.String("client", c.id), zap.String("type", string(msg.Type)))
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
