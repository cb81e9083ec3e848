package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/viberlabs/realtime/internal/domain"
)

// conn is one websocket connection tracked by the gateway.
type conn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	mu     sync.RWMutex
	sess   *domain.ConnectionSession
	topics map[string]struct{}
}

func newConn(id string, ws *websocket.Conn) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		topics: make(map[string]struct{}),
	}
}

// session returns the connection session, or nil before authentication.
func (c *conn) session() *domain.ConnectionSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

func (c *conn) setSession(sess *domain.ConnectionSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = sess
}

// write sends a raw frame. Writes from the handler goroutine and topic
// fan-out goroutines are serialized by writeMu. The websocket library owns
// connection state, so a stale write simply errors and is dropped.
func (c *conn) write(data []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write failed", "conn_id", c.id, "error", err)
	}
}

func (c *conn) send(event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		slog.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	c.write(data)
}

// TopicRegistry tracks which connections belong to which broadcast topics.
// Join/leave are eventually consistent relative to concurrent disconnects: a
// frame may occasionally be written to a socket that has just closed, and the
// transport drops it.
type TopicRegistry struct {
	mu      sync.RWMutex
	members map[string]map[string]*conn
}

// NewTopicRegistry creates an empty registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		members: make(map[string]map[string]*conn),
	}
}

// Join adds c to topic. Returns true if c is the topic's first member.
func (r *TopicRegistry) Join(topic string, c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := false
	if _, ok := r.members[topic]; !ok {
		r.members[topic] = make(map[string]*conn)
		first = true
	}
	r.members[topic][c.id] = c

	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
	return first
}

// Leave removes c from topic. Returns true if the topic is now empty.
func (r *TopicRegistry) Leave(topic string, c *conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(topic, c)
}

func (r *TopicRegistry) leaveLocked(topic string, c *conn) bool {
	set, ok := r.members[topic]
	if !ok {
		return false
	}
	delete(set, c.id)

	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()

	if len(set) == 0 {
		delete(r.members, topic)
		return true
	}
	return false
}

// LeaveAll removes c from every topic it joined and returns the topics that
// became empty.
func (r *TopicRegistry) LeaveAll(c *conn) []string {
	c.mu.RLock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []string
	for _, t := range topics {
		if r.leaveLocked(t, c) {
			emptied = append(emptied, t)
		}
	}
	return emptied
}

// Broadcast writes data to every member of topic, optionally skipping one
// connection id (the originator, when it already received a direct reply).
func (r *TopicRegistry) Broadcast(topic string, data []byte, skipConnID string) {
	r.mu.RLock()
	conns := make([]*conn, 0, len(r.members[topic]))
	for id, c := range r.members[topic] {
		if id == skipConnID {
			continue
		}
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.write(data)
	}
}

// MemberCount returns the number of connections joined to topic.
func (r *TopicRegistry) MemberCount(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[topic])
}

// TopicCount returns the number of non-empty topics.
func (r *TopicRegistry) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
