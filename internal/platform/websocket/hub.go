// Package websocket streams JSON events to clients subscribed to topics.
// Batch progress is published on "batch.<id>" and upstream mode changes
// on "connectivity".
package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	TopicConnectivity = "connectivity"

	sendBuffer = 64
	writeWait  = 10 * time.Second
)

// BatchTopic is the topic progress snapshots of batchID are published on.
func BatchTopic(batchID string) string { return "batch." + batchID }

type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is what a client sends to change its subscriptions.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type client struct {
	id     string
	topics map[string]struct{}
	send   chan []byte
}

func newClient() *client {
	return &client{
		id:     uuid.NewString(),
		topics: make(map[string]struct{}),
		send:   make(chan []byte, sendBuffer),
	}
}

// Hub tracks clients by topic. Publishing never blocks: a client whose
// buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	byTopic map[string]map[*client]struct{}
	all     map[*client]struct{}
	logger  zerolog.Logger
	now     func() time.Time
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		byTopic: make(map[string]map[*client]struct{}),
		all:     make(map[*client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
		now:     time.Now,
	}
}

func (h *Hub) register(c *client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
	h.subscribeLocked(c, topics)
}

// unregister drops c from every topic and closes its send channel.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for t := range c.topics {
		h.removeLocked(c, t)
	}
	delete(h.all, c)
	close(c.send)
}

func (h *Hub) subscribeLocked(c *client, topics []string) {
	for _, t := range topics {
		if t == "" {
			continue
		}
		if h.byTopic[t] == nil {
			h.byTopic[t] = make(map[*client]struct{})
		}
		h.byTopic[t][c] = struct{}{}
		c.topics[t] = struct{}{}
	}
}

func (h *Hub) removeLocked(c *client, topic string) {
	if subs, ok := h.byTopic[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.byTopic, topic)
		}
	}
	delete(c.topics, topic)
}

func (h *Hub) handle(c *client, msg ClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	switch msg.Action {
	case "subscribe":
		h.subscribeLocked(c, msg.Topics)
	case "unsubscribe":
		for _, t := range msg.Topics {
			h.removeLocked(c, t)
		}
	}
}

// Publish wraps v in an Event and sends it to the topic's subscribers.
func (h *Hub) Publish(topic, eventType string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	msg, err := json.Marshal(Event{Type: eventType, Topic: topic, Timestamp: h.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byTopic[topic] {
		select {
		case c.send <- msg:
		default:
			h.logger.Debug().Str("client", c.id).Str("topic", topic).Msg("client buffer full, event dropped")
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTopic[topic])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.Connect)
}

// Connect upgrades the request. Initial topics may be given as a
// comma-separated "topics" query parameter.
func (h *Handler) Connect(c echo.Context) error {
	var topics []string
	if raw := c.QueryParam("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			topics = append(topics, strings.TrimSpace(t))
		}
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	cl := newClient()
	h.hub.register(cl, topics)

	go h.writePump(cl, ws)
	go h.readPump(cl, ws)
	return nil
}

func (h *Handler) readPump(cl *client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.unregister(cl)
		ws.Close()
	}()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		h.hub.handle(cl, msg)
	}
}

func (h *Handler) writePump(cl *client, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for msg := range cl.send {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
}
