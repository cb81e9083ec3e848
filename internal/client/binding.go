// Package client provides the reusable client-side binding for the realtime
// wire protocol: one logical connection with reconnect, re-authentication,
// and typed per-domain emit helpers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// State is the binding's connection state.
type State int

const (
	// StateConnecting means a dial or reconnect attempt is in flight.
	StateConnecting State = iota
	// StateConnected means the transport is open but not yet authenticated.
	StateConnected
	// StateAuthenticated means domain events can be emitted.
	StateAuthenticated
	// StateDisconnected means the binding gave up reconnecting or was closed.
	StateDisconnected
)

const maxReconnectAttempts = 5

// reconnectBaseDelay seeds the exponential backoff between attempts. Tests
// shrink it.
var reconnectBaseDelay = 500 * time.Millisecond

// Config identifies the client to the server.
type Config struct {
	URL       string // websocket endpoint, e.g. ws://host:8080/ws
	UserID    string
	ProjectID string
	SessionID string // tab/editor session id, optional
}

// Handler receives the payload of a subscribed server event.
type Handler func(payload json.RawMessage)

// envelope mirrors the gateway wire frame.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Binding is one logical connection to the gateway. It reconnects with
// capped retries, re-authenticates on every reconnect, and drops emits while
// unauthenticated rather than queuing them. Topic joins are not replayed by
// the server; they derive from the identity sent on each authenticate.
type Binding struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	ws       *websocket.Conn
	handlers map[string][]Handler
	onState  func(State)

	state         atomic.Int32
	authenticated atomic.Bool
	authRejected  atomic.Bool
}

// New creates a binding and starts its connection loop.
func New(cfg Config) (*Binding, error) {
	if cfg.URL == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("client: URL and UserID are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Binding{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]Handler),
	}

	b.wg.Add(1)
	go b.run()
	return b, nil
}

// On registers a handler for a server event. Handlers run on the read loop
// goroutine and must not block.
func (b *Binding) On(event string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], h)
}

// OnStateChange registers the state callback. At most one is supported; the
// last registration wins.
func (b *Binding) OnStateChange(fn func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = fn
}

// Authenticated reports whether the binding can currently emit domain events.
func (b *Binding) Authenticated() bool {
	return b.authenticated.Load()
}

// State returns the binding's current connection state.
func (b *Binding) State() State {
	return State(b.state.Load())
}

// Close tears down the connection, cancels the run loop, and removes all
// handlers. The binding cannot be reused afterwards.
func (b *Binding) Close() {
	b.cancel()

	b.mu.Lock()
	ws := b.ws
	b.ws = nil
	b.handlers = make(map[string][]Handler)
	b.mu.Unlock()

	if ws != nil {
		if err := ws.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
			slog.Debug("Failed to close websocket", "error", err)
		}
	}
	b.wg.Wait()
	b.setState(StateDisconnected)
}

func (b *Binding) setState(s State) {
	b.state.Store(int32(s))
	b.mu.Lock()
	fn := b.onState
	b.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// run owns the connect/reconnect cycle. Failed dials and connections that
// drop before ever authenticating both count toward maxReconnectAttempts;
// only a connection that authenticated resets the counter. An explicit
// authentication rejection is terminal and stops reconnecting immediately.
func (b *Binding) run() {
	defer b.wg.Done()

	failures := 0
	for {
		if b.ctx.Err() != nil {
			return
		}

		b.setState(StateConnecting)
		ws, err := b.dial()
		if err != nil {
			slog.Warn("Connection attempt failed", "error", err)
			if !b.backoff(&failures) {
				return
			}
			continue
		}

		b.authRejected.Store(false)
		b.mu.Lock()
		b.ws = ws
		b.mu.Unlock()
		b.setState(StateConnected)

		// Authenticate immediately on every (re)connect.
		b.sendRaw(EvAuthenticate, map[string]string{
			"userId":    b.cfg.UserID,
			"projectId": b.cfg.ProjectID,
			"sessionId": b.cfg.SessionID,
		})

		b.readLoop(ws)

		authed := b.authenticated.Load()
		b.authenticated.Store(false)
		b.mu.Lock()
		b.ws = nil
		b.mu.Unlock()

		if b.ctx.Err() != nil {
			return
		}
		if b.authRejected.Load() {
			slog.Error("Server rejected authentication, not reconnecting")
			b.setState(StateDisconnected)
			return
		}
		if authed {
			failures = 0
			continue
		}
		// The connection closed before authentication completed; treat it
		// like a failed dial so a rejecting server is not hammered.
		if !b.backoff(&failures) {
			return
		}
	}
}

// backoff counts one failed attempt and sleeps before the next. It returns
// false when the attempt budget is exhausted or the binding was closed, in
// which case the run loop must stop.
func (b *Binding) backoff(failures *int) bool {
	*failures++
	if *failures >= maxReconnectAttempts {
		slog.Error("Giving up after repeated connection failures", "attempts", *failures)
		b.setState(StateDisconnected)
		return false
	}
	delay := reconnectBaseDelay * time.Duration(1<<(*failures-1))
	select {
	case <-time.After(delay):
		return true
	case <-b.ctx.Done():
		return false
	}
}

func (b *Binding) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, b.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", b.cfg.URL, err)
	}
	return ws, nil
}

func (b *Binding) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(b.ctx)
		if err != nil {
			if b.ctx.Err() == nil {
				slog.Debug("Connection read ended", "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			continue
		}

		switch env.Event {
		case EvAuthenticated:
			b.authenticated.Store(true)
			b.setState(StateAuthenticated)
		case EvAuthError:
			// The server closes the connection after this; the run loop
			// sees the flag and stops instead of re-dialing.
			slog.Warn("Authentication rejected by server")
			b.authenticated.Store(false)
			b.authRejected.Store(true)
		}

		b.mu.Lock()
		hs := append([]Handler(nil), b.handlers[env.Event]...)
		b.mu.Unlock()
		for _, h := range hs {
			h(env.Payload)
		}
	}
}

// sendRaw writes regardless of authentication state (used for authenticate).
func (b *Binding) sendRaw(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal payload", "event", event, "error", err)
		return
	}
	data, err := json.Marshal(envelope{Event: event, Payload: raw})
	if err != nil {
		slog.Error("Failed to marshal envelope", "event", event, "error", err)
		return
	}

	b.mu.Lock()
	ws := b.ws
	b.mu.Unlock()
	if ws == nil {
		return
	}
	if err := ws.Write(b.ctx, websocket.MessageText, data); err != nil {
		slog.Debug("Write failed", "event", event, "error", err)
	}
}

// emit sends a domain event, or silently no-ops when not authenticated.
// Events are never queued; callers re-issue state via the request/response
// events after reconnecting.
func (b *Binding) emit(event string, payload any) {
	if !b.authenticated.Load() {
		slog.Debug("Dropping emit while unauthenticated", "event", event)
		return
	}
	b.sendRaw(event, payload)
}
