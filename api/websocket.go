package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"castellan/balancer"
	"castellan/queue"
	"castellan/registry"
	"castellan/state"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize  = 512
	sendChannelSize = 256
)

// Stream topics. A message type is "<topic>:<event>".
const (
	TopicQueue     = "queue"
	TopicInstances = "instances"
	TopicBalancer  = "balancer"
	TopicState     = "state"
)

// StreamMessage is one websocket frame
type StreamMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type outbound struct {
	topic string
	data  []byte
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	// topics is nil when the client wants everything
	topics map[string]bool
}

func (c *client) wants(topic string) bool {
	return c.topics == nil || c.topics[topic]
}

// Hub maintains the set of active websocket clients and fans stream
// messages out to them
type Hub struct {
	clients    map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// upgrader accepts any origin; corsMiddleware has already run.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a hub. Start must be called before use.
func NewHub(logger *zap.SugaredLogger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start runs the hub loop until Stop. Must be called exactly once.
func (h *Hub) Start() {
	defer close(h.done)
	h.logger.Debug("Stream hub started")

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			h.logger.Debug("Stream hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("Stream client registered", "total_clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("Stream client unregistered", "total_clients", n)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.topic) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// slow client: drop it rather than stall everyone else
					go func(slow *client) {
						select {
						case h.unregister <- slow:
						case <-h.ctx.Done():
						}
						slow.conn.Close()
					}(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastMessage queues a message for every client subscribed to topic.
// It never blocks: component notification hubs call it from their dispatch
// goroutine, so a full buffer drops the message.
func (h *Hub) BroadcastMessage(topic, event string, data interface{}) bool {
	if h.ClientCount() == 0 {
		return false
	}
	payload, err := json.Marshal(StreamMessage{
		Type:      topic + ":" + event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Errorw("Failed to marshal stream message", "topic", topic, "error", err)
		return false
	}
	select {
	case h.broadcast <- outbound{topic: topic, data: payload}:
		return true
	case <-h.ctx.Done():
		return false
	default:
		h.logger.Debugw("Stream broadcast buffer full, message dropped", "topic", topic)
		return false
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes every client and waits for the hub loop to exit
func (h *Hub) Stop() {
	h.cancel()
	<-h.done
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// clients never send anything meaningful; reading detects disconnects
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("Stream client closed unexpectedly", "error", err)
			}
			return
		}
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

// parseTopics reads ?topics=queue,state. An empty value selects all topics.
func parseTopics(raw string) map[string]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	topics := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(strings.ToLower(t)); t != "" {
			topics[t] = true
		}
	}
	if len(topics) == 0 {
		return nil
	}
	return topics
}

// serveStream upgrades GET /api/v1/stream to a websocket
func (a *API) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debugw("Stream upgrade failed", "error", err, "request_id", RequestID(r.Context()))
		return
	}
	c := &client{
		hub:    a.hub,
		conn:   conn,
		send:   make(chan []byte, sendChannelSize),
		topics: parseTopics(r.URL.Query().Get("topics")),
	}
	select {
	case a.hub.register <- c:
	case <-a.hub.ctx.Done():
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// subscribeStreams forwards component notifications to the hub. The
// subscriptions are released when stopCh closes.
func (a *API) subscribeStreams() {
	unsubs := []func(){
		a.c.Queue.Subscribe(func(n queue.Notification) {
			a.hub.BroadcastMessage(TopicQueue, string(n.Type), n)
		}),
		a.c.Registry.Subscribe(func(ev registry.InstanceEvent) {
			a.hub.BroadcastMessage(TopicInstances, string(ev.Type), ev)
		}),
		a.c.Balancer.Subscribe(func(d balancer.Decision) {
			a.hub.BroadcastMessage(TopicBalancer, "decision", d)
		}),
	}
	sub, err := a.c.State.SubscribeToChanges("*", func(ev state.ChangeEvent) {
		// values are msgpack; clients fetch them through GET /state/{key}
		a.hub.BroadcastMessage(TopicState, string(ev.Type), map[string]interface{}{
			"key":         ev.Key,
			"version":     ev.Version,
			"modified_by": ev.ModifiedBy,
			"timestamp":   ev.Timestamp,
		})
	})
	if err != nil {
		a.logger.Warnw("State change stream unavailable", "error", err)
	} else {
		unsubs = append(unsubs, sub.Unsubscribe)
	}

	go func() {
		<-a.stopCh
		for _, u := range unsubs {
			u()
		}
	}()
}
