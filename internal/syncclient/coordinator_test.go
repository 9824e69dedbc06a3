package syncclient

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"knowtis/collab/internal/broadcast"
	"knowtis/collab/internal/clock"
	"knowtis/collab/internal/crdt"
	"knowtis/collab/internal/localstore"
	"knowtis/collab/internal/protocol"
)

var alice = protocol.UserInfo{DisplayName: "Alice", Color: "#e11d48"}

type fakeServer struct {
	mu        sync.Mutex
	joins     []string
	leaves    int
	updates   [][]byte
	awareness int
}

func (f *fakeServer) JoinRoom(documentID string, _ protocol.UserInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, documentID)
	return nil
}

func (f *fakeServer) LeaveRoom() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeServer) SendUpdate(_ string, update []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeServer) SendAwarenessUpdate(string, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awareness++
	return nil
}

func (f *fakeServer) sent() ([][]byte, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.updates...), f.awareness
}

// peer is another tab on the same bus.
type peer struct {
	ch      broadcast.Channel
	mu      sync.Mutex
	updates [][]byte
}

func newPeer(t *testing.T, bus *broadcast.MemoryBus) *peer {
	t.Helper()
	p := &peer{ch: bus.Endpoint("tab-b")}
	if _, err := p.ch.Subscribe(func(m broadcast.Message) {
		if m.Kind != broadcast.KindUpdate {
			return
		}
		p.mu.Lock()
		p.updates = append(p.updates, m.Update)
		p.mu.Unlock()
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	t.Cleanup(func() { _ = p.ch.Close() })
	return p
}

func (p *peer) received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.updates...)
}

func newBridge(t *testing.T, bus *broadcast.MemoryBus, clk clock.Clock) *broadcast.Bridge {
	t.Helper()
	b, err := broadcast.NewBridge(bus.Endpoint("tab-a"), broadcast.BridgeOptions{Clock: clk})
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func remoteUpdate(t *testing.T, text string) []byte {
	t.Helper()
	doc := crdt.NewDoc()
	if err := doc.Text(crdt.ContentRoot).Insert(0, text); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return doc.EncodeStateAsUpdate()
}

func textOf(t *testing.T, update []byte) string {
	t.Helper()
	s, err := crdt.ReadText(update, crdt.ContentRoot)
	if err != nil {
		t.Fatalf("ReadText() error = %v", err)
	}
	return s
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func acquire(t *testing.T, c *Coordinator, documentID string) *Handle {
	t.Helper()
	h, err := c.Acquire(documentID)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	return h
}

func TestHandleBecomesReadyAfterSettleDelay(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(Options{User: alice, Clock: clk})
	defer c.Close()

	h := acquire(t, c, "note")
	if h.IsReady() {
		t.Fatal("ready before settle delay")
	}
	clk.Advance(DefaultSettleDelay - time.Millisecond)
	if h.IsReady() {
		t.Fatal("ready too early")
	}
	clk.Advance(time.Millisecond)
	select {
	case <-h.Ready():
	default:
		t.Fatal("not ready after settle delay")
	}

	again := acquire(t, c, "note")
	if again.Text() != h.Text() || !again.IsReady() {
		t.Fatal("second acquire did not reuse the document")
	}
}

func TestReleaseCancelsSettleAndClearsCursor(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(Options{User: alice, Clock: clk})
	defer c.Close()

	first := acquire(t, c, "note")
	second := acquire(t, c, "note")
	if err := first.Text().Insert(0, "keep"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first.Awareness().SetLocalStateField("cursor", 4)

	first.Release()
	first.Release()
	if _, ok := second.Awareness().LocalState()["cursor"]; !ok {
		t.Fatal("cursor cleared while the document is still held")
	}

	second.Release()
	if clk.Pending() != 0 {
		t.Fatalf("pending timers = %d, want 0", clk.Pending())
	}
	state := second.Awareness().LocalState()
	if _, ok := state["cursor"]; ok {
		t.Fatal("cursor still advertised after release")
	}
	if _, ok := state["user"]; !ok {
		t.Fatal("user field dropped on release")
	}

	reopened := acquire(t, c, "note")
	if got := reopened.Text().String(); got != "keep" {
		t.Fatalf("content after reopen = %q", got)
	}
	if clk.Pending() != 1 {
		t.Fatal("settle not re-armed on reopen")
	}
}

func TestBroadcastUpdateIsNotEchoedToBroadcast(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	bus := broadcast.NewMemoryBus()
	other := newPeer(t, bus)
	server := &fakeServer{}
	c := New(Options{User: alice, Clock: clk, Bridge: newBridge(t, bus, clk)})
	defer c.Close()
	c.SetServer(server)

	h := acquire(t, c, "note")
	if err := c.Connect("note"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := other.ch.Publish(context.Background(), broadcast.Message{
		Kind: broadcast.KindUpdate, DocumentID: "note", Update: remoteUpdate(t, "remote"),
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	eventually(t, func() bool { return h.Text().String() == "remote" }, "broadcast update not applied")

	updates, _ := server.sent()
	if len(updates) != 1 || textOf(t, updates[0]) != "remote" {
		t.Fatalf("server updates = %d, want the broadcast update forwarded", len(updates))
	}

	// A later local edit is the first thing the other tab may see.
	if err := h.Text().Insert(0, "local "); err != nil {
		t.Fatalf("insert: %v", err)
	}
	eventually(t, func() bool { return len(other.received()) > 0 }, "local edit not broadcast")
	if got := textOf(t, other.received()[0]); got != "local " {
		t.Fatalf("first broadcast = %q, want the local edit", got)
	}
	if updates, _ := server.sent(); len(updates) != 2 {
		t.Fatalf("server updates = %d, want 2", len(updates))
	}
}

func TestServerUpdateIsNotSentBackToServer(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	bus := broadcast.NewMemoryBus()
	other := newPeer(t, bus)
	server := &fakeServer{}
	c := New(Options{User: alice, Clock: clk, Bridge: newBridge(t, bus, clk)})
	defer c.Close()
	c.SetServer(server)

	h := acquire(t, c, "note")
	if err := c.Connect("note"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	c.Handlers().OnUpdate(protocol.UpdatePayload{DocumentID: "note", Update: remoteUpdate(t, "from server")})

	if got := h.Text().String(); got != "from server" {
		t.Fatalf("text = %q", got)
	}
	if updates, _ := server.sent(); len(updates) != 0 {
		t.Fatalf("server update echoed back %d times", len(updates))
	}
	eventually(t, func() bool { return len(other.received()) == 1 }, "server update not shared with other tabs")
}

func TestInitialStateReconciliation(t *testing.T) {
	serverState := remoteUpdate(t, "srv")
	cases := []struct {
		name      string
		local     string
		state     []byte
		wantSends int
	}{
		{name: "offline edits pushed", local: "offline", state: serverState, wantSends: 1},
		{name: "identical state", state: serverState},
		{name: "both empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := &fakeServer{}
			c := New(Options{User: alice, Clock: clock.NewFake(time.Unix(0, 0))})
			defer c.Close()

			h := acquire(t, c, "note")
			if tc.local != "" {
				if err := h.Text().Insert(0, tc.local); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}
			c.SetServer(server)
			if err := c.Connect("note"); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			c.Handlers().OnInitialState(protocol.InitialStatePayload{DocumentID: "note", State: tc.state})

			updates, awareness := server.sent()
			if len(updates) != tc.wantSends {
				t.Fatalf("updates sent = %d, want %d", len(updates), tc.wantSends)
			}
			if tc.wantSends > 0 {
				if got, want := textOf(t, updates[0]), h.Text().String(); got != want {
					t.Fatalf("reconcile sent %q, want full state %q", got, want)
				}
				if h.Text().Len() != len(tc.local)+len("srv") {
					t.Fatalf("merged text = %q", h.Text().String())
				}
			}
			if awareness != 1 {
				t.Fatalf("awareness sends = %d, want 1", awareness)
			}
		})
	}
}

func TestAwarenessRelay(t *testing.T) {
	server := &fakeServer{}
	c := New(Options{User: alice, Clock: clock.NewFake(time.Unix(0, 0))})
	defer c.Close()
	c.SetServer(server)

	h := acquire(t, c, "note")
	h.Awareness().SetLocalStateField("cursor", 1)
	if _, n := server.sent(); n != 0 {
		t.Fatal("awareness sent before joining")
	}
	if err := c.Connect("note"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.Awareness().SetLocalStateField("cursor", 3)
	if _, n := server.sent(); n != 1 {
		t.Fatalf("awareness sends = %d, want 1", n)
	}

	remote := crdt.NewAwareness(crdt.NewDoc())
	remote.SetLocalState(map[string]any{"user": map[string]any{"name": "Bob"}})
	data, err := remote.EncodeUpdate()
	if err != nil {
		t.Fatalf("EncodeUpdate() error = %v", err)
	}
	c.Handlers().OnAwareness(protocol.UpdatePayload{DocumentID: "note", Update: data})

	if got := len(h.Awareness().States()); got != 2 {
		t.Fatalf("awareness states = %d, want 2", got)
	}
	if _, n := server.sent(); n != 1 {
		t.Fatal("remote awareness relayed back to the server")
	}
}

func TestActiveUsersMergesServerAndTabs(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	bus := broadcast.NewMemoryBus()
	other := newPeer(t, bus)
	bridge := newBridge(t, bus, clk)
	c := New(Options{User: alice, Clock: clk, Bridge: bridge})
	defer c.Close()
	c.SetServer(&fakeServer{})

	acquire(t, c, "note")
	if err := c.Connect("note"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h := c.Handlers()
	h.OnInitialState(protocol.InitialStatePayload{DocumentID: "note", Users: []protocol.Presence{
		{ID: "anon-1", DisplayName: "Alice"},
		{ID: "u-bob", DisplayName: "Bob"},
	}})
	h.OnUserJoined(protocol.Presence{ID: "u-bob", DisplayName: "Bob"})
	h.OnUserJoined(protocol.Presence{ID: "u-dave", DisplayName: "Dave"})
	h.OnUserLeft(protocol.UserLeftPayload{UserID: "u-dave", DisplayName: "Dave"})

	if err := other.ch.Publish(context.Background(), broadcast.Message{
		Kind: broadcast.KindPresence, DocumentID: "note",
		User: &broadcast.User{ID: "tab-c", DisplayName: "Carol"},
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	eventually(t, func() bool { return len(bridge.RemoteUsers("note")) == 1 }, "tab presence not received")

	got := c.ActiveUsers("note")
	if len(got) != 2 || got[0].ID != "u-bob" || got[1].ID != "tab-c" {
		t.Fatalf("ActiveUsers() = %+v", got)
	}
	if other := c.ActiveUsers("elsewhere"); len(other) != 0 {
		t.Fatalf("ActiveUsers(elsewhere) = %+v", other)
	}
}

func TestLocalLogSurvivesRestart(t *testing.T) {
	store, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	first := New(Options{User: alice, Store: store})
	h := acquire(t, first, "note")
	<-h.Synced()
	if err := h.Text().Insert(0, "persisted"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first.Close()

	second := New(Options{User: alice, Store: store})
	defer second.Close()
	reopened := acquire(t, second, "note")
	select {
	case <-reopened.Synced():
	case <-time.After(2 * time.Second):
		t.Fatal("local log never replayed")
	}
	if got := reopened.Text().String(); got != "persisted" {
		t.Fatalf("text = %q", got)
	}
}

func TestConnectPreconditions(t *testing.T) {
	c := New(Options{User: alice, Clock: clock.NewFake(time.Unix(0, 0))})
	if err := c.Connect("note"); !errors.Is(err, ErrNoServer) {
		t.Fatalf("Connect() without server = %v", err)
	}
	c.SetServer(&fakeServer{})
	if err := c.Connect("note"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("Connect() unacquired = %v", err)
	}
	c.Close()
	if _, err := c.Acquire("note"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Acquire() after Close = %v", err)
	}
}
