package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/models"
	"github.com/kimhsiao/fieldsync/internal/network"
	"github.com/kimhsiao/fieldsync/internal/sync/orchestrator"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// Connectivity event types. Sync event types are orchestrator.EventType values.
const (
	EventNetworkChanged = "network.changed"
	EventNetworkLost    = "network.lost"
)

// ConnectionLostMessage is shown to the user when connectivity drops.
const ConnectionLostMessage = "Connection lost. Changes will sync when you're back online."

const (
	sendBufferSize = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts native clients (no Origin) and pages served from
// the loopback interface.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Envelope wraps every message pushed to clients.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type outbound struct {
	eventType string
	data      []byte
}

type directReply struct {
	client *wsClient
	data   []byte
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives eventType. A client with no
// subscriptions receives everything.
func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

func (c *wsClient) subscribe(events []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range events {
		if on {
			c.subscriptions[e] = true
		} else {
			delete(c.subscriptions, e)
		}
	}
}

// Hub fans sync and connectivity events out to WebSocket clients. Only the
// run goroutine writes to a client's send channel.
type Hub struct {
	clients    map[string]*wsClient
	broadcast  chan outbound
	replies    chan directReply
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex

	logger *logging.Logger
	now    func() time.Time
}

// NewHub creates a hub and starts its dispatch loop.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Get()
	}
	h := &Hub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan outbound, sendBufferSize),
		replies:    make(chan directReply, sendBufferSize),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger.Component("ws"),
		now:        time.Now,
	}
	go h.run()
	return h
}

// Close disconnects every client and stops the dispatch loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", map[string]interface{}{"client": c.id, "total": total})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", map[string]interface{}{"client": c.id, "total": total})

		case r := <-h.replies:
			h.mu.Lock()
			if _, ok := h.clients[r.client.id]; ok {
				h.deliverLocked(r.client, r.data)
			}
			h.mu.Unlock()

		case m := <-h.broadcast:
			h.mu.Lock()
			for _, c := range h.clients {
				if c.wants(m.eventType) {
					h.deliverLocked(c, m.data)
				}
			}
			h.mu.Unlock()
		}
	}
}

// deliverLocked drops a client whose send buffer is full.
func (h *Hub) deliverLocked(c *wsClient, data []byte) {
	select {
	case c.send <- data:
	default:
		close(c.send)
		delete(h.clients, c.id)
		h.logger.Warn("dropping slow client", map[string]interface{}{"client": c.id})
	}
}

// Broadcast sends an event to every subscribed client. It never blocks the
// publisher; events are dropped when the hub is saturated or closed.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	bytes, err := json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: h.now().Unix()})
	if err != nil {
		h.logger.Error("failed to marshal event", err, map[string]interface{}{"type": eventType})
		return
	}
	select {
	case <-h.done:
	case h.broadcast <- outbound{eventType: eventType, data: bytes}:
	default:
		h.logger.Warn("broadcast buffer full, dropping event", map[string]interface{}{"type": eventType})
	}
}

// BroadcastNetworkChanged pushes a connectivity transition.
func (h *Hub) BroadcastNetworkChanged(state models.NetworkState) {
	h.Broadcast(EventNetworkChanged, map[string]interface{}{
		"state":   state,
		"online":  state.Online(),
		"quality": network.QualityOf(state),
	})
}

// ConnectionLost implements network.Notifier.
func (h *Hub) ConnectionLost(state models.NetworkState) {
	h.Broadcast(EventNetworkLost, map[string]interface{}{
		"state":   state,
		"message": ConnectionLostMessage,
	})
}

// BroadcastSyncEvent pushes an orchestrator event under its own type.
func (h *Hub) BroadcastSyncEvent(e orchestrator.Event) {
	h.Broadcast(string(e.Type), e)
}

func (h *Hub) reply(c *wsClient, v interface{}) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case <-h.done:
	case h.replies <- directReply{client: c, data: bytes}:
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &wsClient{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		hub:           h,
		subscriptions: make(map[string]bool),
	}

	select {
	case <-h.done:
		conn.Close()
		return
	case h.register <- c:
	}

	go c.writePump()
	go c.readPump()
}

// clientMessage is what clients send: subscribe, unsubscribe or ping.
type clientMessage struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case <-c.hub.done:
		case c.hub.unregister <- c:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.logger.Debug("invalid client message", map[string]interface{}{"client": c.id})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.subscribe(msg.Events, true)
			c.hub.reply(c, map[string]interface{}{
				"action":     "subscribe_ack",
				"subscribed": msg.Events,
				"timestamp":  c.hub.now().Unix(),
			})
		case "unsubscribe":
			c.subscribe(msg.Events, false)
		case "ping":
			c.hub.reply(c, map[string]interface{}{
				"action":    "pong",
				"timestamp": c.hub.now().Unix(),
			})
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
