package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/sessionforge/sessioncore/internal/telemetry"
)

// DefaultEventQueueSize is the default per-connection bounded event queue
// capacity.
const DefaultEventQueueSize = 1024

// Sender delivers one outbound Event to a connection's transport. The
// transport's framing and encoding live entirely outside this package;
// this is the narrow seam a WebSocket/stdio/etc. adapter implements.
type Sender interface {
	Send(Event) error
}

// Connection is one client's event fan-out path: a bounded queue drained
// by exactly one goroutine, so events for this connection are always
// delivered in the order they were enqueued.
//
// A per-connection buffered channel takes a non-blocking send that drops
// on a full queue, and Close (also reached through Hub.Unregister) closes
// the done channel once.
type Connection struct {
	id     string
	sender Sender
	log    telemetry.Logger

	queue chan Event
	done  chan struct{}

	closeOnce sync.Once

	mu       sync.RWMutex
	sessions map[string]bool // nil/empty means "interested in every session"

	dropped int64
}

// NewConnection builds a Connection with the given queue capacity
// (DefaultEventQueueSize when queueSize <= 0) and starts its drain
// goroutine.
func NewConnection(id string, sender Sender, queueSize int, log telemetry.Logger) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultEventQueueSize
	}
	c := &Connection{
		id:     id,
		sender: sender,
		log:    log,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	go c.drain()
	return c
}

// ID returns the connection's identifier.
func (c *Connection) ID() string { return c.id }

func (c *Connection) drain() {
	for {
		select {
		case ev, ok := <-c.queue:
			if !ok {
				return
			}
			if err := c.sender.Send(ev); err != nil && c.log != nil {
				c.log.Warn(context.Background(), "rpc: failed to deliver event", "connectionId", c.id, "type", ev.Type, "error", err.Error())
			}
		case <-c.done:
			return
		}
	}
}

// Subscribe narrows interest to a specific set of sessions. With no
// subscriptions, a connection receives events for every session by
// default.
func (c *Connection) Subscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions == nil {
		c.sessions = make(map[string]bool)
	}
	c.sessions[sessionID] = true
}

// Unsubscribe removes a prior Subscribe. It is a no-op if the connection
// has no explicit subscriptions (still interested in everything).
func (c *Connection) Unsubscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// interestedIn reports whether ev.SessionID should be delivered to this
// connection.
func (c *Connection) interestedIn(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sessions) == 0 || sessionID == "" {
		return true
	}
	return c.sessions[sessionID]
}

// Enqueue pushes an event onto the connection's queue. It never blocks: a
// full queue (a slow consumer) drops the event, a best-effort-per-
// connection delivery guarantee.
func (c *Connection) Enqueue(ev Event) {
	select {
	case c.queue <- ev:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		if c.log != nil {
			c.log.Warn(context.Background(), "rpc: dropping event, connection queue full", "connectionId", c.id, "type", ev.Type)
		}
	}
}

// DroppedCount returns how many events have been dropped for this
// connection since creation.
func (c *Connection) DroppedCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

// Close stops the drain goroutine. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub fans events out to every registered connection and implements
// streampipeline.Broadcaster, so the stream pipeline's chunk/tool events
// reach RPC subscribers without depending on this package.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Connection)}
}

// Register adds a connection to the hub's fan-out set.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.ID()] = conn
}

// Unregister removes and closes a connection.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Emit delivers ev to every connection interested in its session.
func (h *Hub) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.conns {
		if conn.interestedIn(ev.SessionID) {
			conn.Enqueue(ev)
		}
	}
}

// Broadcast implements streampipeline.Broadcaster: it wraps one stream
// pipeline payload in an Event and emits it to every interested
// connection.
func (h *Hub) Broadcast(sessionID string, eventType string, payload any) {
	h.Emit(Event{Type: eventType, SessionID: sessionID, Timestamp: time.Now(), Data: payload})
}
