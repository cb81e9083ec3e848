// Package gateway accepts client connections, authenticates them, manages
// topic membership, and routes domain events between clients, the ephemeral
// store, and the durable record bridge.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/viberlabs/realtime/internal/bridge"
	"github.com/viberlabs/realtime/internal/config"
	"github.com/viberlabs/realtime/internal/domain"
	"github.com/viberlabs/realtime/internal/ephemeral"
	"github.com/viberlabs/realtime/internal/identity"
	"github.com/viberlabs/realtime/internal/store"
)

// durableWriteTimeout bounds fire-and-forget durable writes so a stalled
// database never pins goroutines.
const durableWriteTimeout = 10 * time.Second

// Gateway is the connection gateway. One instance serves all websocket
// clients of a process; state shared between connections lives in the
// ephemeral store and the bridge, so multiple instances can serve the same
// project concurrently.
type Gateway struct {
	cfg      *config.Config
	eph      ephemeral.Store
	bridge   *bridge.Bridge
	verifier identity.Verifier
	topics   *TopicRegistry

	mu    sync.Mutex
	subs  map[string]func() // topic -> ephemeral subscription cancel
	conns map[string]*conn
}

// New creates a gateway and wires its change-feed repair hooks.
func New(cfg *config.Config, eph ephemeral.Store, b *bridge.Bridge, verifier identity.Verifier) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		eph:      eph,
		bridge:   b,
		verifier: verifier,
		topics:   NewTopicRegistry(),
		subs:     make(map[string]func()),
		conns:    make(map[string]*conn),
	}

	// Durable changes repair the fast path: whenever another instance (or a
	// direct database write) mutates an agent session or progress record,
	// refresh the ephemeral mirror so local reads converge. Local broadcasts
	// already happened through the ephemeral pub/sub, so the feed only
	// repairs state; rebroadcasting here would deliver duplicates.
	b.OnChange(store.KindAgentSession, g.repairAgentSession)
	b.OnChange(store.KindProgress, g.repairProgress)
	return g
}

// ServeHTTP upgrades the request to a websocket connection and runs its read
// loop until the client disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}

	c := newConn(uuid.NewString(), ws)
	slog.Info("WebSocket connected", "conn_id", c.id, "ip", r.RemoteAddr)

	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()

	defer func() {
		g.cleanup(c)
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "conn_id", c.id, "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.readLoop(ctx, c)
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || g.cfg.FrontendURL == "" || origin == g.cfg.FrontendURL {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", g.cfg.FrontendURL)
	return false
}

func (g *Gateway) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "conn_id", c.id)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "conn_id", c.id, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			slog.Debug("Dropping malformed frame", "conn_id", c.id)
			continue
		}

		if env.Event == EvAuthenticate {
			if !g.handleAuthenticate(ctx, c, env.Payload) {
				return
			}
			continue
		}

		// All domain events require an authenticated connection; events
		// from unauthenticated connections are dropped silently.
		sess := c.session()
		if sess == nil {
			slog.Debug("Dropping event from unauthenticated connection",
				"conn_id", c.id, "event", env.Event)
			continue
		}

		g.dispatch(ctx, c, sess, env)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *conn, sess *domain.ConnectionSession, env Envelope) {
	var err error
	switch env.Event {
	case EvContextUpdate:
		err = g.handleContextUpdate(ctx, c, sess, env.Payload)
	case EvContextSave:
		err = g.handleContextSave(ctx, c, sess, env.Payload)
	case EvSessionStart:
		err = g.handleSessionStart(ctx, c, sess, env.Payload)
	case EvSessionPause:
		err = g.handleSessionTransition(ctx, c, env.Payload, transitionPause)
	case EvSessionResume:
		err = g.handleSessionTransition(ctx, c, env.Payload, transitionResume)
	case EvSessionStop:
		err = g.handleSessionTransition(ctx, c, env.Payload, transitionStop)
	case EvUserApproval:
		err = g.handleUserApproval(ctx, c, env.Payload)
	case EvCaptureRequest:
		err = g.handleCaptureRequest(ctx, env.Payload)
	case EvVisualChanged:
		err = g.handleVisualChanged(ctx, env.Payload)
	case EvErrorDetected:
		err = g.handleErrorDetected(ctx, env.Payload)
	case EvErrorFixed:
		err = g.handleErrorFixed(ctx, env.Payload)
	case EvProgressRequest:
		err = g.handleProgressRequest(ctx, c, env.Payload)
	case EvProgressUpdate:
		err = g.handleProgressUpdate(ctx, env.Payload)
	case EvSettingsUpdate:
		err = g.handleSettingsUpdate(ctx, c, sess, env.Payload)
	default:
		slog.Debug("Dropping unknown event", "conn_id", c.id, "event", env.Event)
		return
	}

	// Validation failures drop the event and leave the connection usable.
	if err != nil {
		slog.Warn("Event handler rejected payload",
			"conn_id", c.id, "event", env.Event, "user_id", sess.UserID, "error", err)
	}
}

// handleAuthenticate verifies identity, records the connection session, and
// joins the user (and optional project) topics. Returns false if the
// connection must be closed.
func (g *Gateway) handleAuthenticate(ctx context.Context, c *conn, raw json.RawMessage) bool {
	var p authenticatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		c.send(EvAuthError, map[string]string{"error": "invalid credentials"})
		g.closeUnauthorized(c)
		return false
	}
	if p.ProjectID != "" && !identity.ValidProjectID(p.ProjectID) {
		c.send(EvAuthError, map[string]string{"error": "invalid project id"})
		g.closeUnauthorized(c)
		return false
	}

	ok, err := g.verifier.VerifyUser(ctx, p.UserID)
	if err != nil {
		slog.Error("Identity verification failed", "conn_id", c.id, "user_id", p.UserID, "error", err)
		c.send(EvAuthError, map[string]string{"error": "identity provider unavailable"})
		g.closeUnauthorized(c)
		return false
	}
	if !ok {
		slog.Warn("Authentication rejected", "conn_id", c.id, "user_id", p.UserID)
		c.send(EvAuthError, map[string]string{"error": "unknown user"})
		g.closeUnauthorized(c)
		return false
	}

	// Re-authentication replaces the identity; the previous identity's
	// topic membership must not survive it.
	if c.session() != nil {
		g.leaveAllTopics(c)
	}

	sess := &domain.ConnectionSession{
		SocketID:    c.id,
		UserID:      p.UserID,
		ProjectID:   p.ProjectID,
		ConnectedAt: time.Now(),
	}
	c.setSession(sess)

	// Mirror the connection session with a bounded TTL so orphaned entries
	// self-clean even if disconnect handling is missed.
	if data, err := json.Marshal(sess); err == nil {
		if err := g.eph.Set(ctx, keyConnection(c.id), data, g.cfg.ConnectionTTL); err != nil {
			slog.Warn("Failed to mirror connection session", "conn_id", c.id, "error", err)
		}
	}

	g.joinTopic(c, topicUser(p.UserID))
	if p.ProjectID != "" {
		g.joinTopic(c, topicProject(p.ProjectID))
	}

	slog.Info("Connection authenticated",
		"conn_id", c.id, "user_id", p.UserID, "project_id", p.ProjectID)
	c.send(EvAuthenticated, map[string]string{"sessionId": c.id})
	return true
}

func (g *Gateway) closeUnauthorized(c *conn) {
	if err := c.ws.Close(websocket.StatusPolicyViolation, "authentication failed"); err != nil {
		slog.Debug("Failed to close unauthenticated connection", "conn_id", c.id, "error", err)
	}
}

// joinTopic adds the connection to a topic and, if it is the first local
// member, subscribes the gateway to the matching ephemeral pub/sub topic so
// publishes (from this or any other instance) reach local members.
// Membership and the subscription map change under one lock; a concurrent
// leave cannot cancel a subscription a joining member depends on.
func (g *Gateway) joinTopic(c *conn, topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.topics.Join(topic, c) {
		return
	}

	cancel, err := g.eph.Subscribe(context.Background(), topic, g.deliverLocal)
	if err != nil {
		slog.Error("Failed to subscribe to topic", "topic", topic, "error", err)
		return
	}
	g.subs[topic] = cancel
}

// leaveAllTopics removes c from every topic it joined and drops the
// ephemeral subscriptions of topics that became empty. Cancels run outside
// the lock since a cancel may block on in-flight delivery.
func (g *Gateway) leaveAllTopics(c *conn) {
	g.mu.Lock()
	var cancels []func()
	for _, topic := range g.topics.LeaveAll(c) {
		if cancel, ok := g.subs[topic]; ok {
			delete(g.subs, topic)
			cancels = append(cancels, cancel)
		}
	}
	g.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// deliverLocal fans a published frame out to local topic members. Frames are
// already encoded envelopes.
func (g *Gateway) deliverLocal(topic string, payload []byte) {
	g.topics.Broadcast(topic, payload, "")
}

// publish encodes an event and pushes it through the ephemeral pub/sub,
// which delivers to every instance's local members of the topic (including
// this one). A publish failure is best-effort: it is logged, and local
// members still receive the frame directly so single-instance deployments
// degrade gracefully.
func (g *Gateway) publish(ctx context.Context, topic, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		slog.Error("Failed to encode broadcast", "event", event, "error", err)
		return
	}
	if err := g.eph.Publish(ctx, topic, data); err != nil {
		slog.Warn("Publish failed, delivering locally only",
			"topic", topic, "event", event, "error", err)
		g.topics.Broadcast(topic, data, "")
	}
}

// cleanup runs when a connection drops. It removes only the connection
// session and topic membership; agent sessions, contexts, and durable
// records persist independent of connection lifetime.
func (g *Gateway) cleanup(c *conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()

	g.leaveAllTopics(c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.eph.Delete(ctx, keyConnection(c.id)); err != nil && !errors.Is(err, ephemeral.ErrClosed) {
		slog.Warn("Failed to delete connection session", "conn_id", c.id, "error", err)
	}

	sess := c.session()
	if sess != nil {
		slog.Info("Connection closed", "conn_id", c.id, "user_id", sess.UserID)
	} else {
		slog.Info("Connection closed before authentication", "conn_id", c.id)
	}
}

// Stats reports live connection and topic counts for the health endpoint.
func (g *Gateway) Stats() (connections, topics int) {
	g.mu.Lock()
	connections = len(g.conns)
	g.mu.Unlock()
	return connections, g.topics.TopicCount()
}

// Close force-closes every tracked connection. Used during shutdown.
func (g *Gateway) Close() {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		if err := c.ws.Close(websocket.StatusGoingAway, "server shutting down"); err != nil {
			slog.Debug("Failed to close connection during shutdown", "conn_id", c.id, "error", err)
		}
	}
}

// durable runs fn asynchronously with a bounded timeout. Handlers never
// block on durable writes before acknowledging ephemeral state changes.
func (g *Gateway) durable(op string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), durableWriteTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Error("Durable write failed", "op", op, "error", err)
		}
	}()
}
