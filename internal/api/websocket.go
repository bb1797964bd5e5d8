package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearthwire/hearth-core/internal/infrastructure/config"
	"github.com/hearthwire/hearth-core/internal/infrastructure/logging"
)

// Event channels clients can subscribe to.
const (
	ChannelDeviceEvent  = "device.event"
	ChannelRuleCycle    = "rule.cycle"
	ChannelSceneApplied = "scene.applied"
)

var knownChannels = map[string]bool{
	ChannelDeviceEvent:  true,
	ChannelRuleCycle:    true,
	ChannelSceneApplied: true,
}

// Per-client outbound buffer. A client that falls this far behind
// starts dropping events rather than stalling broadcasts.
const wsSendBuffer = 256

// wsEnvelope is the single frame format in both directions. Inbound
// frames carry type/id/channels; outbound frames carry type/channel/
// timestamp/payload.
type wsEnvelope struct {
	Type      string   `json:"type"`
	ID        string   `json:"id,omitempty"`
	Channel   string   `json:"channel,omitempty"`
	Channels  []string `json:"channels,omitempty"`
	Timestamp string   `json:"ts,omitempty"`
	Payload   any      `json:"payload,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Hub fans events out to connected WebSocket clients. Broadcast never
// blocks on a client: the snapshot is taken under the read lock and
// slow or closed clients are skipped.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu    sync.RWMutex
	conns map[*wsConn]struct{}
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{cfg: cfg, logger: logger, conns: make(map[*wsConn]struct{})}
}

// Run blocks until ctx is cancelled, then drops every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		close(c.send)
		c.sock.Close()
		delete(h.conns, c)
	}
}

func (h *Hub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// remove detaches a client. The send channel is closed exactly once,
// by whichever caller actually removes the entry.
func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	_, present := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()

	if present {
		close(c.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// Broadcast delivers one event to every client subscribed to channel.
func (h *Hub) Broadcast(channel string, payload any) {
	frame, err := json.Marshal(wsEnvelope{
		Type:      "event",
		Channel:   channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.offer(frame)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// OnDeviceEvent broadcasts one device attribute event to subscribed
// WebSocket clients. It satisfies the hub event stream's sink interface
// so the server can sit behind the same fan-out as the rule engine.
func (s *Server) OnDeviceEvent(deviceID, attribute string, value any) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(ChannelDeviceEvent, map[string]any{
		"device_id": deviceID,
		"attribute": attribute,
		"value":     value,
	})
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Access control is the ticket's job, not the Origin header's.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection after consuming a single-use
// ticket issued by POST /auth/ws-ticket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	if !s.tickets.consume(ticket) {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	sock, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		hub:      s.hub,
		sock:     sock,
		send:     make(chan []byte, wsSendBuffer),
		channels: make(map[string]struct{}),
		pingEach: time.Duration(s.wsCfg.PingInterval) * time.Second,
		deadline: time.Duration(s.wsCfg.PingInterval+s.wsCfg.PongTimeout) * time.Second,
		maxFrame: int64(s.wsCfg.MaxMessageSize),
	}
	s.hub.add(c)

	go c.writeLoop()
	go c.readLoop()
}

// wsConn is one connected client: a socket, its outbound queue, and
// the set of channels it has subscribed to.
type wsConn struct {
	hub  *Hub
	sock *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	channels map[string]struct{}

	pingEach time.Duration
	deadline time.Duration
	maxFrame int64
}

func (c *wsConn) readLoop() {
	defer func() {
		c.hub.remove(c)
		c.sock.Close()
	}()

	c.sock.SetReadLimit(c.maxFrame)
	c.sock.SetReadDeadline(time.Now().Add(c.deadline))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(c.deadline))
	})

	for {
		_, frame, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.sock.SetReadDeadline(time.Now().Add(c.deadline))
		c.dispatch(frame)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingEach)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.sock.SetWriteDeadline(time.Now().Add(c.deadline))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(c.deadline))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) dispatch(frame []byte) {
	var msg wsEnvelope
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.reply(wsEnvelope{Type: "error", Error: "invalid JSON frame"})
		return
	}

	switch msg.Type {
	case "subscribe":
		c.setSubscriptions(msg, true)
	case "unsubscribe":
		c.setSubscriptions(msg, false)
	case "ping":
		c.reply(wsEnvelope{Type: "pong", ID: msg.ID})
	default:
		c.reply(wsEnvelope{Type: "error", ID: msg.ID, Error: "unknown frame type: " + msg.Type})
	}
}

func (c *wsConn) setSubscriptions(msg wsEnvelope, on bool) {
	for _, ch := range msg.Channels {
		if !knownChannels[ch] {
			c.reply(wsEnvelope{Type: "error", ID: msg.ID, Error: "unknown channel: " + ch})
			return
		}
	}

	c.mu.Lock()
	for _, ch := range msg.Channels {
		if on {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	c.mu.Unlock()

	ack := "subscribed"
	if !on {
		ack = "unsubscribed"
	}
	c.reply(wsEnvelope{Type: ack, ID: msg.ID, Channels: msg.Channels})
}

func (c *wsConn) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *wsConn) reply(msg wsEnvelope) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.offer(frame)
}

// offer queues a frame without ever blocking. A full buffer drops the
// frame; a send channel closed mid-broadcast is absorbed.
func (c *wsConn) offer(frame []byte) {
	defer func() { recover() }()

	select {
	case c.send <- frame:
	default:
	}
}
