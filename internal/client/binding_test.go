package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/viberlabs/realtime/internal/bridge"
	"github.com/viberlabs/realtime/internal/config"
	"github.com/viberlabs/realtime/internal/ephemeral"
	"github.com/viberlabs/realtime/internal/gateway"
	"github.com/viberlabs/realtime/internal/identity"
	"github.com/viberlabs/realtime/internal/store"
)

// denyVerifier rejects every user.
type denyVerifier struct{}

func (denyVerifier) VerifyUser(context.Context, string) (bool, error) { return false, nil }

func newTestServer(t *testing.T) *httptest.Server {
	return newTestServerWith(t, identity.AllowAllVerifier{}, nil)
}

// newTestServerWith runs a full gateway behind an optional upgrade counter.
func newTestServerWith(t *testing.T, verifier identity.Verifier, dials *atomic.Int32) *httptest.Server {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eph := ephemeral.NewMemoryStore()
	t.Cleanup(func() { eph.Close() })

	b := bridge.New(repo, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Failed to start bridge: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		b.Wait()
	})

	cfg := &config.Config{
		ConnectionTTL: time.Hour, SessionTTL: time.Hour, ContextTTL: time.Hour,
		ApprovalTTL: time.Minute, SettingsTTL: time.Hour,
		ErrorHistoryMax: 10, VisualHistoryMax: 10,
		FeedPollInterval: 20 * time.Millisecond,
	}
	g := gateway.New(cfg, eph, b, verifier)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials != nil {
			dials.Add(1)
		}
		g.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		g.Close()
		srv.Close()
	})
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// stateRecorder collects state transitions for assertions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan State, 16)}
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	select {
	case r.ch <- s:
	default:
	}
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("Never reached state %d", want)
		}
	}
}

func waitAuthenticated(t *testing.T, b *Binding) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !b.Authenticated() {
		if time.Now().After(deadline) {
			t.Fatal("Binding never authenticated")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitState(t *testing.T, b *Binding, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for b.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Never reached state %d, stuck at %d", want, b.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectAndAuthenticate(t *testing.T) {
	srv := newTestServer(t)

	b, err := New(Config{URL: wsURL(srv), UserID: "user-1", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	waitAuthenticated(t, b)
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{URL: "ws://localhost:1"}); err == nil {
		t.Error("Expected error for missing UserID")
	}
	if _, err := New(Config{UserID: "user-1"}); err == nil {
		t.Error("Expected error for missing URL")
	}
}

func TestEmitRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	b, err := New(Config{URL: wsURL(srv), UserID: "user-1", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	updates := make(chan json.RawMessage, 4)
	b.On(EvContextUpdated, func(p json.RawMessage) { updates <- p })

	waitAuthenticated(t, b)

	b.UpdateContext("proj-1", json.RawMessage(`{"title":"Todo App"}`), 0)

	select {
	case p := <-updates:
		var got struct {
			Version   int64  `json:"version"`
			UpdatedBy string `json:"updatedBy"`
		}
		if err := json.Unmarshal(p, &got); err != nil {
			t.Fatalf("Bad payload: %v", err)
		}
		if got.Version != 1 || got.UpdatedBy != "user-1" {
			t.Errorf("Unexpected broadcast: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Never received the context broadcast")
	}
}

func TestEmitBeforeAuthenticationIsDropped(t *testing.T) {
	b := &Binding{
		cfg:      Config{URL: "ws://unused", UserID: "user-1"},
		handlers: make(map[string][]Handler),
	}

	// No connection, not authenticated: must not panic, must not write.
	b.StartAgentSession("proj-1")
	b.UpdateContext("proj-1", json.RawMessage(`{}`), 0)
	if b.Authenticated() {
		t.Error("Binding should not report authenticated")
	}
}

func TestGivesUpAfterMaxReconnectAttempts(t *testing.T) {
	orig := reconnectBaseDelay
	reconnectBaseDelay = 5 * time.Millisecond
	defer func() { reconnectBaseDelay = orig }()

	// Nothing listens on this port.
	b, err := New(Config{URL: "ws://127.0.0.1:1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	rec := newStateRecorder()
	b.OnStateChange(rec.record)

	rec.waitFor(t, StateDisconnected)
	if b.Authenticated() {
		t.Error("Binding should not report authenticated after giving up")
	}
}

func TestAuthRejectionStopsReconnecting(t *testing.T) {
	orig := reconnectBaseDelay
	reconnectBaseDelay = 5 * time.Millisecond
	defer func() { reconnectBaseDelay = orig }()

	var dials atomic.Int32
	srv := newTestServerWith(t, denyVerifier{}, &dials)

	b, err := New(Config{URL: wsURL(srv), UserID: "user-1", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	waitState(t, b, StateDisconnected)
	if b.Authenticated() {
		t.Error("Binding should not report authenticated after rejection")
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("Expected a single dial after an explicit rejection, got %d", got)
	}

	// The rejection is terminal; the binding must not keep dialing.
	time.Sleep(100 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Errorf("Binding kept dialing after rejection: %d dials", got)
	}
}

func TestUnauthenticatedDropsCountTowardGiveUp(t *testing.T) {
	orig := reconnectBaseDelay
	reconnectBaseDelay = 2 * time.Millisecond
	defer func() { reconnectBaseDelay = orig }()

	// Accept the upgrade, then close before any authentication response.
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.Close(websocket.StatusPolicyViolation, "not welcome")
	}))
	defer srv.Close()

	b, err := New(Config{URL: wsURL(srv), UserID: "user-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()

	waitState(t, b, StateDisconnected)
	if got := dials.Load(); got != maxReconnectAttempts {
		t.Errorf("Expected %d dials before giving up, got %d", maxReconnectAttempts, got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := dials.Load(); got != maxReconnectAttempts {
		t.Errorf("Binding kept dialing after giving up: %d dials", got)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	srv := newTestServer(t)

	b, err := New(Config{URL: wsURL(srv), UserID: "user-1", ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	waitAuthenticated(t, b)

	rec := newStateRecorder()
	b.OnStateChange(rec.record)

	b.Close()

	if b.Authenticated() {
		// Authentication flag survives Close only if the read loop never
		// observed the shutdown; either way emits must be dropped.
		b.UpdateContext("proj-1", json.RawMessage(`{}`), 0)
	}
	rec.waitFor(t, StateDisconnected)
}
