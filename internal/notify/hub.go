package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	cmdSubscribe   = "subscribe"
	cmdUnsubscribe = "unsubscribe"
	cmdPing        = "ping"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxCommandSize = 512
	sendBuffer     = 256
)

var ErrHubStopped = errors.New("websocket hub stopped")

// Channel names the room a recipient listens on, e.g. "incident:<id>" or "volunteer:<id>".
func Channel(kind, id string) string {
	return kind + ":" + id
}

// ChannelAuthorizer decides whether the connection opened by r may listen on channel.
type ChannelAuthorizer func(ctx context.Context, r *http.Request, channel string) bool

type frame struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type broadcast struct {
	channels []string
	payload  []byte
}

type client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	req  *http.Request
	send chan []byte

	mu   sync.Mutex
	subs map[string]bool
}

// Hub is the realtime transport: clients subscribe to channels and receive every message
// delivered to them. Slow clients drop messages rather than block delivery.
type Hub struct {
	log       zerolog.Logger
	upgrader  websocket.Upgrader
	authorize ChannelAuthorizer

	mu       sync.RWMutex
	clients  map[*client]bool
	channels map[string]map[*client]bool

	unregister chan *client
	broadcast  chan broadcast
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log: log.With().Str("component", "ws_hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		channels:   make(map[string]map[*client]bool),
		unregister: make(chan *client),
		broadcast:  make(chan broadcast, sendBuffer),
		stopCh:     make(chan struct{}),
	}
}

// SetAuthorizer installs the channel check applied to query and subscribe requests.
// Without one every channel is open. Call it before serving connections.
func (h *Hub) SetAuthorizer(fn ChannelAuthorizer) {
	h.authorize = fn
}

func (h *Hub) allowed(ctx context.Context, r *http.Request, channel string) bool {
	if h.authorize == nil {
		return true
	}
	return h.authorize(ctx, r, channel)
}

// Run dispatches broadcasts until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopCh:
			return
		case c := <-h.unregister:
			h.remove(c)
		case b := <-h.broadcast:
			h.fanout(b)
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.mu.Lock()
		defer h.mu.Unlock()
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.channels = make(map[string]map[*client]bool)
	})
}

// Deliver pushes the message to the recipient's channel and to the incident room.
func (h *Hub) Deliver(ctx context.Context, to Recipient, msg Message) error {
	select {
	case <-h.stopCh:
		return ErrHubStopped
	default:
	}

	channels := []string{Channel(to.Kind, to.ID)}
	if msg.IncidentID != "" && !(to.Kind == KindIncident && to.ID == msg.IncidentID) {
		channels = append(channels, Channel(KindIncident, msg.IncidentID))
	}

	payload, err := json.Marshal(frame{Type: string(msg.Type), Message: &msg, Timestamp: msg.CreatedAt})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- broadcast{channels: channels, payload: payload}:
		return nil
	case <-h.stopCh:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribers returns the number of clients listening on a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// ServeWS upgrades the connection and pumps frames until the client leaves. Channels
// named in the query are checked before the upgrade; one refusal rejects the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	channels := r.URL.Query()["channel"]
	for _, ch := range channels {
		if !h.allowed(r.Context(), r, ch) {
			h.log.Debug().Str("channel", ch).Msg("websocket channel refused")
			http.Error(w, "Forbidden: channel "+ch, http.StatusForbidden)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		req:  r,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	for _, ch := range channels {
		h.subscribe(c, ch)
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) subscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[*client]bool)
	}
	h.channels[channel][c] = true

	c.mu.Lock()
	c.subs[channel] = true
	c.mu.Unlock()
}

func (h *Hub) unsubscribe(c *client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.channels[channel]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}

	c.mu.Lock()
	delete(c.subs, channel)
	c.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	c.mu.Lock()
	for channel := range c.subs {
		if members, ok := h.channels[channel]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	c.mu.Unlock()
}

func (h *Hub) fanout(b broadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*client]bool)
	for _, channel := range b.channels {
		for c := range h.channels[channel] {
			if seen[c] {
				continue
			}
			seen[c] = true
			select {
			case c.send <- b.payload:
			default:
				h.log.Debug().Str("client_id", c.id).Str("channel", channel).Msg("client buffer full, dropping message")
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxCommandSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("client_id", c.id).Msg("websocket closed")
			}
			return
		}
		c.handle(data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handle(data []byte) {
	var cmd struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.reply(frame{Type: "error", Error: "invalid message format"})
		return
	}

	switch cmd.Type {
	case cmdSubscribe:
		if cmd.Channel == "" {
			c.reply(frame{Type: "error", Error: "channel is required"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		ok := c.hub.allowed(ctx, c.req, cmd.Channel)
		cancel()
		if !ok {
			c.reply(frame{Type: "error", Channel: cmd.Channel, Error: "channel not allowed"})
			return
		}
		c.hub.subscribe(c, cmd.Channel)
		c.reply(frame{Type: "subscribed", Channel: cmd.Channel})
	case cmdUnsubscribe:
		c.hub.unsubscribe(c, cmd.Channel)
		c.reply(frame{Type: "unsubscribed", Channel: cmd.Channel})
	case cmdPing:
		c.reply(frame{Type: "pong"})
	default:
		c.reply(frame{Type: "error", Error: "unknown message type"})
	}
}

func (c *client) reply(f frame) {
	f.Timestamp = time.Now().UTC()
	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
