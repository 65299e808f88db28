// Package gateway streams committed store events to websocket clients.
//
// Clients send subscribe/unsubscribe frames carrying topic patterns and
// receive event frames for every matching event. Delivery is best effort:
// a client that cannot keep up with its buffer misses events rather than
// slowing the store down.
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"streamline/internal/config"
	"streamline/internal/domain"
	"streamline/internal/events"
)

// Frame types exchanged over the wire.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
	framePong        = "pong"
	frameEvent       = "event"
	frameError       = "error"
)

// Error codes sent in error frames.
const (
	CodeInvalidPattern    = "invalid_pattern"
	CodeSubscriptionLimit = "subscription_limit"
	CodeInvalidMessage    = "invalid_message"
)

type clientFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

type serverFrame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	EventType string          `json:"eventType,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Gateway upgrades HTTP connections and fans bus events out to them.
type Gateway struct {
	Bus    *events.Bus
	Logger *log.Logger

	heartbeat   time.Duration
	pongTimeout time.Duration
	maxSubs     int
	queueSize   int

	upgrader websocket.Upgrader
}

func New(bus *events.Bus, cfg *config.Config, logger *log.Logger) *Gateway {
	return &Gateway{
		Bus:         bus,
		Logger:      logger,
		heartbeat:   cfg.Gateway.HeartbeatInterval,
		pongTimeout: cfg.Gateway.PongTimeout,
		maxSubs:     cfg.Gateway.MaxSubscriptions,
		queueSize:   cfg.Gateway.SendQueueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The gateway is a local read-only stream; auth, when enabled,
			// happens before the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// knownKinds are the entity kinds events are published under.
var knownKinds = map[string]bool{
	events.KindInitiative: true,
	events.KindPRD:        true,
	events.KindTask:       true,
	events.KindStream:     true,
	events.KindAgent:      true,
	events.KindCheckpoint: true,
}

// ValidPattern reports whether a topic pattern is well formed: "*",
// "kind:*", or an exact "kind:id", where kind is a known entity kind.
func ValidPattern(p string) bool {
	if p == "*" {
		return true
	}
	i := strings.Index(p, ":")
	return i > 0 && i < len(p)-1 && knownKinds[p[:i]]
}

// MatchTopic reports whether a topic like "task:abc" matches the pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if kind, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(topic, kind+":")
	}
	return pattern == topic
}

type conn struct {
	ws     *websocket.Conn
	gw     *Gateway
	sub    *events.Subscriber
	send   chan serverFrame
	done   chan struct{}
	closer sync.Once

	mu     sync.Mutex
	topics map[string]struct{}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Logger.Printf("websocket upgrade: %v", err)
		return
	}
	sub, err := g.Bus.Subscribe(g.queueSize)
	if err != nil {
		g.Logger.Printf("websocket subscribe: %v", err)
		ws.Close()
		return
	}
	c := &conn{
		ws:     ws,
		gw:     g,
		sub:    sub,
		send:   make(chan serverFrame, g.queueSize),
		done:   make(chan struct{}),
		topics: map[string]struct{}{},
	}
	go c.writePump()
	c.readPump()
}

func (c *conn) close() {
	c.closer.Do(func() {
		close(c.done)
		c.sub.Close()
		c.ws.Close()
	})
}

// reply queues a protocol frame without ever blocking the read loop.
func (c *conn) reply(f serverFrame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		// Queue full with the client not draining; the heartbeat will
		// reap the connection if it stays unresponsive.
	}
}

func (c *conn) readPump() {
	defer c.close()
	c.ws.SetReadLimit(4096)
	deadline := c.gw.heartbeat + c.gw.pongTimeout
	c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		var f clientFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gw.Logger.Printf("websocket read: %v", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(deadline))
		switch f.Type {
		case frameSubscribe:
			c.subscribe(f.Topics)
		case frameUnsubscribe:
			c.unsubscribe(f.Topics)
		case framePing:
			c.reply(serverFrame{Type: framePong})
		case framePong:
			// Application-level pong, nothing to do.
		default:
			c.reply(serverFrame{Type: frameError, Code: CodeInvalidMessage,
				Message: "unknown frame type " + f.Type})
		}
	}
}

// subscribe validates every pattern before registering any of them, so a
// frame with one bad pattern changes nothing.
func (c *conn) subscribe(patterns []string) {
	for _, p := range patterns {
		if !ValidPattern(p) {
			c.reply(serverFrame{Type: frameError, Code: CodeInvalidPattern,
				Message: "invalid topic pattern " + p})
			return
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	added := 0
	for _, p := range patterns {
		if _, ok := c.topics[p]; !ok {
			added++
		}
	}
	if len(c.topics)+added > c.gw.maxSubs {
		c.reply(serverFrame{Type: frameError, Code: CodeSubscriptionLimit,
			Message: "subscription limit reached"})
		return
	}
	for _, p := range patterns {
		c.topics[p] = struct{}{}
	}
}

func (c *conn) unsubscribe(patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range patterns {
		delete(c.topics, p)
	}
}

func (c *conn) matches(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.topics {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}

func eventFrame(e domain.Event) serverFrame {
	data := json.RawMessage(e.Payload)
	if len(data) == 0 || !json.Valid(data) {
		data = json.RawMessage("null")
	}
	return serverFrame{
		Type:      frameEvent,
		Topic:     e.Topic(),
		EventType: e.Type,
		Data:      data,
	}
}

// writePump is the sole writer on the socket. It interleaves bus events,
// protocol replies, and heartbeat pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.gw.heartbeat)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case e, ok := <-c.sub.C:
			if !ok {
				return
			}
			if !c.matches(e.Topic()) {
				continue
			}
			if err := c.writeFrame(eventFrame(e)); err != nil {
				return
			}
		case f := <-c.send:
			if err := c.writeFrame(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.gw.pongTimeout)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) writeFrame(f serverFrame) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.gw.pongTimeout))
	return c.ws.WriteJSON(f)
}
