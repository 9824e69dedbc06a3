package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"knowtis/collab/internal/access"
	"knowtis/collab/internal/collab"
	"knowtis/collab/internal/crdt"
	"knowtis/collab/internal/gateway"
	"knowtis/collab/internal/protocol"
	"knowtis/collab/internal/rbac"
	"knowtis/collab/internal/store"
)

// openNotes treats every note as missing, which the policy allows.
type openNotes struct{}

func (openNotes) NoteExists(context.Context, string) (bool, error) { return false, nil }
func (openNotes) IsPublic(context.Context, string) (bool, error)   { return false, nil }
func (openNotes) HasAccess(context.Context, string, string, rbac.Role) (bool, error) {
	return false, nil
}

type nullSnapshots struct{}

func (nullSnapshots) FindSnapshot(context.Context, string) ([]byte, error) {
	return nil, store.ErrNotFound
}
func (nullSnapshots) WriteSnapshot(context.Context, string, []byte) error { return nil }

type server struct {
	registry *collab.Registry
	gateway  *gateway.Gateway
	http     *httptest.Server
	url      string
}

func newServer(t *testing.T) *server {
	t.Helper()
	registry := collab.NewRegistry(nullSnapshots{}, collab.Options{})
	gw := gateway.New(nil, access.NewPolicy(openNotes{}), registry, gateway.Options{})
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
		_ = registry.Shutdown(context.Background())
	})
	return &server{registry: registry, gateway: gw, http: srv, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (s *server) users(documentID string) int {
	room, ok := s.registry.Room(documentID)
	if !ok {
		return 0
	}
	return room.UserCount()
}

type recorder struct {
	mu       sync.Mutex
	initial  []protocol.InitialStatePayload
	updates  []protocol.UpdatePayload
	errs     []protocol.ErrorPayload
	statuses []Status
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnInitialState: func(p protocol.InitialStatePayload) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.initial = append(r.initial, p)
		},
		OnUpdate: func(p protocol.UpdatePayload) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.updates = append(r.updates, p)
		},
		OnError: func(p protocol.ErrorPayload) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, p)
		},
		OnStatus: func(s Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
	}
}

func (r *recorder) counts() (initial, updates, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.initial), len(r.updates), len(r.errs)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func fastRetry() backoff.BackOff { return &backoff.ZeroBackOff{} }

var alice = protocol.UserInfo{DisplayName: "Alice", Color: "#f00"}

func TestJoinAndRelay(t *testing.T) {
	srv := newServer(t)
	var recA, recB recorder
	a := New(srv.url, "", recA.handlers(), Options{})
	b := New(srv.url, "", recB.handlers(), Options{})
	for _, c := range []*Client{a, b} {
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
	}
	defer a.Disconnect()
	defer b.Disconnect()

	if err := a.JoinRoom("doc", alice); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	if err := b.JoinRoom("doc", protocol.UserInfo{DisplayName: "Bob"}); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	eventually(t, func() bool { n, _, _ := recB.counts(); return n == 1 }, "no initial state")
	eventually(t, func() bool { return srv.users("doc") == 2 }, "users not joined")

	doc := crdt.NewDoc()
	var update []byte
	doc.OnUpdate(func(u []byte, _ crdt.Origin) { update = u })
	if err := doc.Text(crdt.ContentRoot).Insert(0, "hi"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := a.SendUpdate("doc", update); err != nil {
		t.Fatalf("SendUpdate() error = %v", err)
	}
	eventually(t, func() bool { _, n, _ := recB.counts(); return n == 1 }, "update not relayed")
	if _, n, _ := recA.counts(); n != 0 {
		t.Fatalf("sender received its own update")
	}
	if a.CurrentDocument() != "doc" {
		t.Fatalf("CurrentDocument() = %q", a.CurrentDocument())
	}
}

func TestJoinRoomLeavesPreviousRoom(t *testing.T) {
	srv := newServer(t)
	var rec recorder
	c := New(srv.url, "", rec.handlers(), Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	if err := c.JoinRoom("first", alice); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	eventually(t, func() bool { return srv.users("first") == 1 }, "not joined")
	if err := c.JoinRoom("second", alice); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	eventually(t, func() bool { return srv.users("second") == 1 && srv.users("first") == 0 }, "previous room not left")
}

func TestDisconnectLeavesRoomFirst(t *testing.T) {
	srv := newServer(t)
	var rec recorder
	c := New(srv.url, "", rec.handlers(), Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.JoinRoom("doc", alice); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	eventually(t, func() bool { return srv.users("doc") == 1 }, "not joined")

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	eventually(t, func() bool { return srv.users("doc") == 0 }, "user still in room")
	if c.Connected() {
		t.Fatal("client still connected")
	}
	if err := c.SendUpdate("doc", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendUpdate() after disconnect = %v", err)
	}
}

func TestConnectGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	refusing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer refusing.Close()

	var rec recorder
	c := New("ws"+strings.TrimPrefix(refusing.URL, "http"), "", rec.handlers(), Options{NewBackOff: fastRetry})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if got := attempts.Load(); got != DefaultMaxRetries+1 {
		t.Fatalf("attempts = %d, want %d", got, DefaultMaxRetries+1)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || rec.errs[0].Code != protocol.CodeJoinFailed || rec.errs[0].Message != protocol.MsgConnectFailed {
		t.Fatalf("errors = %+v", rec.errs)
	}
	if last := rec.statuses[len(rec.statuses)-1]; last != StatusDisconnected {
		t.Fatalf("last status = %s", last)
	}
}

func TestReconnectRejoinsRoom(t *testing.T) {
	srv := newServer(t)
	var rec recorder
	c := New(srv.url, "", rec.handlers(), Options{NewBackOff: fastRetry})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()
	if err := c.JoinRoom("doc", alice); err != nil {
		t.Fatalf("JoinRoom() error = %v", err)
	}
	eventually(t, func() bool { n, _, _ := rec.counts(); return n == 1 }, "no initial state")

	// Dropping every server-side connection forces a reconnect.
	srv.gateway.Close()

	eventually(t, func() bool { n, _, _ := rec.counts(); return n == 2 }, "client did not rejoin")
	eventually(t, func() bool { return srv.users("doc") == 1 }, "rejoined user missing")
}

func TestDialURLCarriesToken(t *testing.T) {
	c := New("ws://localhost:3333/collaboration", "tok en", Handlers{}, Options{})
	got, err := c.dialURL()
	if err != nil {
		t.Fatalf("dialURL() error = %v", err)
	}
	if got != "ws://localhost:3333/collaboration?token=tok+en" {
		t.Fatalf("dialURL() = %q", got)
	}
}

func TestDisconnectAbortsPendingReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	var accepted atomic.Bool
	redialed := make(chan struct{}, 1)
	release := make(chan struct{})
	// The first connection is dropped right away; later handshakes stall.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accepted.CompareAndSwap(false, true) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		select {
		case redialed <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	var rec recorder
	c := New("ws"+strings.TrimPrefix(srv.URL, "http"), "", rec.handlers(), Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	select {
	case <-redialed:
	case <-time.After(3 * time.Second):
		t.Fatal("client never tried to reconnect")
	}

	done := make(chan struct{})
	go func() {
		_ = c.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect() waited for the reconnect to finish")
	}
	if _, _, errs := rec.counts(); errs != 0 {
		t.Fatalf("abandoned reconnect reported %d errors", errs)
	}
}
