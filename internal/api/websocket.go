package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-avr/internal/bridges/denon"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/logging"
)

// Message types on /api/v1/ws.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeSnapshot    = "snapshot"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

const (
	// wsSendBufferSize is the per-client outbound queue length. Events for a
	// client whose queue is full are dropped and counted.
	wsSendBufferSize = 256

	wsIOBufferSize = 1024
)

// WSMessage is an outbound WebSocket message.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe messages:
//
//	{"type":"subscribe","id":"1","payload":{"channels":["receiver.state_changed"],"receivers":["living"]}}
//
// Receivers narrows state events to the listed receivers. Omitted, the
// client sees every receiver.
type WSSubscribePayload struct {
	Channels  []string `json:"channels"`
	Receivers []string `json:"receivers,omitempty"`
}

// Hub fans bridge events out to panel connections. It satisfies
// denon.StateBroadcaster.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}

	dropped atomic.Uint64
}

// WSClient is one panel connection.
type WSClient struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	snapshot func() []denon.ReceiverInfo

	mu        sync.Mutex
	channels  map[string]struct{}
	receivers map[string]struct{}
	closed    bool
}

// NewHub creates a hub. Run must be called for it to shut down with ctx.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client and closes its send queue.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	client.closeSend()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast sends payload to every client subscribed to channel. A
// denon.StateChangedEvent only reaches clients whose receiver filter
// includes its receiver.
func (h *Hub) Broadcast(channel string, payload any) {
	var receiverID string
	if ev, ok := payload.(denon.StateChangedEvent); ok {
		receiverID = ev.ReceiverID
	}

	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "channel", channel, "error", err)
		return
	}

	recipients := 0
	for _, client := range h.clientList() {
		if !client.wants(channel, receiverID) {
			continue
		}
		recipients++
		if !client.enqueue(data) {
			h.dropped.Add(1)
		}
	}
	if recipients > 0 {
		h.logger.Debug("broadcast sent", "channel", channel, "receiver", receiverID, "recipients", recipients)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many events were discarded for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// clientList copies the client set so sends happen without the hub lock.
func (h *Hub) clientList() []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*WSClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.closeSend()
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// handleWebSocket upgrades the request. Browser origins are checked against
// api.cors.allowed_origins; clients without an Origin header are accepted.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsIOBufferSize,
		WriteBufferSize: wsIOBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		snapshot: s.receivers.Receivers,
		channels: make(map[string]struct{}),
	}
	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// keepalive returns the ping interval and the read deadline it implies.
func keepalive(cfg config.WebSocketConfig) (ping, deadline time.Duration) {
	ping = time.Duration(cfg.PingInterval) * time.Second
	return ping, ping + time.Duration(cfg.PongTimeout)*time.Second
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	_, deadline := keepalive(cfg)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	}

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // a failed deadline surfaces on the next read
	extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		// Panels that ignore protocol pings stay alive by sending messages.
		//nolint:errcheck // a failed deadline surfaces on the next read
		extend()
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ping, _ := keepalive(cfg)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		//nolint:errcheck // a failed deadline surfaces on the write
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // connection is going away either way
				write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsRequest is an inbound message. Payload is decoded per type.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (c *WSClient) handleMessage(data []byte) {
	var req wsRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch req.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(req)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(req)
	case WSTypePing:
		c.reply(req.ID, WSTypePong, nil)
	default:
		c.sendError(req.ID, "unknown message type: "+req.Type)
	}
}

func decodeSubscription(req wsRequest) (WSSubscribePayload, bool) {
	var sub WSSubscribePayload
	if len(req.Payload) == 0 || json.Unmarshal(req.Payload, &sub) != nil || len(sub.Channels) == 0 {
		return sub, false
	}
	return sub, true
}

// handleSubscribe adds channels and replaces the receiver filter when one is
// given. Subscribing to state changes is answered with a snapshot of the
// current state of the selected receivers.
func (c *WSClient) handleSubscribe(req wsRequest) {
	sub, ok := decodeSubscription(req)
	if !ok {
		c.sendError(req.ID, "subscribe requires a payload with at least one channel")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		c.channels[ch] = struct{}{}
	}
	if len(sub.Receivers) > 0 {
		c.receivers = make(map[string]struct{}, len(sub.Receivers))
		for _, id := range sub.Receivers {
			c.receivers[id] = struct{}{}
		}
	}
	c.mu.Unlock()

	c.hub.logger.Debug("websocket client subscribed", "channels", sub.Channels, "receivers", sub.Receivers)
	c.reply(req.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels})

	if slices.Contains(sub.Channels, denon.StateChangedChannel) && c.snapshot != nil {
		c.sendSnapshot(req.ID)
	}
}

func (c *WSClient) handleUnsubscribe(req wsRequest) {
	sub, ok := decodeSubscription(req)
	if !ok {
		c.sendError(req.ID, "unsubscribe requires a payload with at least one channel")
		return
	}

	c.mu.Lock()
	for _, ch := range sub.Channels {
		delete(c.channels, ch)
	}
	if len(c.channels) == 0 {
		c.receivers = nil
	}
	c.mu.Unlock()

	c.reply(req.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels})
}

func (c *WSClient) sendSnapshot(id string) {
	infos := make([]denon.ReceiverInfo, 0)
	for _, info := range c.snapshot() {
		if c.wantsReceiver(info.ID) {
			infos = append(infos, info)
		}
	}
	c.reply(id, WSTypeSnapshot, map[string]any{"receivers": infos})
}

// wants reports whether an event on channel for receiverID (empty for
// events not tied to a receiver) should be delivered.
func (c *WSClient) wants(channel, receiverID string) bool {
	c.mu.Lock()
	_, subscribed := c.channels[channel]
	c.mu.Unlock()
	return subscribed && (receiverID == "" || c.wantsReceiver(receiverID))
}

func (c *WSClient) wantsReceiver(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.receivers == nil {
		return true
	}
	_, ok := c.receivers[id]
	return ok
}

// enqueue queues data without blocking. It returns false if the queue is
// full. Sends to a closed client are discarded.
func (c *WSClient) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *WSClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		c.hub.dropped.Add(1)
	}
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
