// Package syncclient keeps one replicated document per open note in sync
// with the local log, other tabs and the collaboration server.
package syncclient

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"knowtis/collab/internal/broadcast"
	"knowtis/collab/internal/clock"
	"knowtis/collab/internal/crdt"
	"knowtis/collab/internal/localstore"
	"knowtis/collab/internal/protocol"
	"knowtis/collab/internal/util"
	"knowtis/collab/internal/wsclient"
)

// Origins of updates applied by the coordinator. Edits made through a
// handle's Text carry crdt.LocalOrigin; replays from the local log carry
// localstore.Origin.
const (
	OriginBroadcast     crdt.Origin = "broadcast-remote"
	OriginServerInitial crdt.Origin = "server-initial"
	OriginServerRemote  crdt.Origin = "server-remote"
)

const DefaultSettleDelay = 100 * time.Millisecond

const (
	cursorField = "cursor"
	userField   = "user"
)

const publishTimeout = 5 * time.Second

var (
	ErrNotAcquired = errors.New("syncclient: document not acquired")
	ErrNoServer    = errors.New("syncclient: no server connection")
	ErrClosed      = errors.New("syncclient: coordinator closed")
)

// ServerConn is the socket client the coordinator drives. *wsclient.Client
// satisfies it.
type ServerConn interface {
	JoinRoom(documentID string, user protocol.UserInfo) error
	LeaveRoom() error
	SendUpdate(documentID string, update []byte) error
	SendAwarenessUpdate(documentID string, update []byte) error
}

type Options struct {
	User protocol.UserInfo
	// UserID identifies this participant to other tabs. Generated when empty.
	UserID string
	// Store and Bridge are optional.
	Store       *localstore.Store
	Bridge      *broadcast.Bridge
	Clock       clock.Clock
	SettleDelay time.Duration
	Logger      *zap.SugaredLogger
	// OnError receives errors reported by the server.
	OnError func(protocol.ErrorPayload)
}

type Coordinator struct {
	opts Options
	log  *zap.SugaredLogger

	mu          sync.Mutex
	docs        map[string]*entry
	server      ServerConn
	active      string
	serverUsers []protocol.Presence
	status      wsclient.Status
	closed      bool
}

type entry struct {
	id        string
	doc       *crdt.Doc
	text      *crdt.Text
	awareness *crdt.Awareness
	binding   *localstore.Binding
	unsubs    []func()

	// guarded by Coordinator.mu
	refs   int
	settle clock.Timer

	ready     chan struct{}
	readyOnce sync.Once
}

func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.UserID == "" {
		opts.UserID = util.NewID("tab")
	}
	return &Coordinator{
		opts:   opts,
		log:    opts.Logger,
		docs:   make(map[string]*entry),
		status: wsclient.StatusDisconnected,
	}
}

// SetServer installs the socket client. Pass nil to work offline.
func (c *Coordinator) SetServer(s ServerConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server = s
	if s == nil {
		c.active = ""
		c.serverUsers = nil
	}
}

// Acquire returns the handle for documentID, creating the document on first
// use. Each call must be paired with Handle.Release.
func (c *Coordinator) Acquire(documentID string) (*Handle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := c.docs[documentID]
	if !ok {
		e = c.newEntry(documentID)
		c.docs[documentID] = e
	}
	e.refs++
	first := e.refs == 1
	if first && !e.isReady() && e.settle == nil {
		e.settle = c.opts.Clock.AfterFunc(c.opts.SettleDelay, func() { c.settled(e) })
	}
	c.mu.Unlock()

	if first && c.opts.Bridge != nil {
		c.publish(func(ctx context.Context) error {
			return c.opts.Bridge.Announce(ctx, documentID, c.bridgeUser())
		}, "announce", documentID)
	}
	return &Handle{c: c, e: e}, nil
}

// newEntry wires a fresh document. Called with c.mu held; no listener it
// installs takes c.mu synchronously during setup.
func (c *Coordinator) newEntry(documentID string) *entry {
	doc := crdt.NewDoc()
	e := &entry{
		id:        documentID,
		doc:       doc,
		text:      doc.Text(crdt.ContentRoot),
		awareness: crdt.NewAwareness(doc),
		ready:     make(chan struct{}),
	}
	e.awareness.SetLocalState(map[string]any{
		userField: map[string]any{"name": c.opts.User.DisplayName, "color": c.opts.User.Color},
	})

	e.unsubs = append(e.unsubs,
		doc.OnUpdate(func(update []byte, origin crdt.Origin) { c.forward(e, update, origin) }),
		e.awareness.OnChange(func(_ crdt.AwarenessChange, origin crdt.Origin) { c.forwardAwareness(e, origin) }),
	)
	if c.opts.Bridge != nil {
		e.unsubs = append(e.unsubs, c.opts.Bridge.Register(documentID, func(update []byte) {
			if err := doc.ApplyUpdate(update, OriginBroadcast); err != nil {
				c.log.Warnw("dropping broadcast update", "document_id", documentID, "error", err)
			}
		}))
	}
	if c.opts.Store != nil {
		e.binding = c.opts.Store.Bind(doc, documentID, localstore.WithLogger(c.log))
	}
	return e
}

func (c *Coordinator) settled(e *entry) {
	c.mu.Lock()
	e.settle = nil
	c.mu.Unlock()
	e.readyOnce.Do(func() { close(e.ready) })
}

func (c *Coordinator) release(e *entry) {
	c.mu.Lock()
	if e.refs == 0 {
		c.mu.Unlock()
		return
	}
	e.refs--
	last := e.refs == 0
	if last && e.settle != nil {
		e.settle.Stop()
		e.settle = nil
	}
	c.mu.Unlock()
	if !last {
		return
	}

	e.awareness.SetLocalStateField(cursorField, nil)
	if c.opts.Bridge != nil {
		c.publish(func(ctx context.Context) error {
			return c.opts.Bridge.Withdraw(ctx, e.id)
		}, "withdraw", e.id)
	}
}

// forward sends a document update to every channel it did not come from.
func (c *Coordinator) forward(e *entry, update []byte, origin crdt.Origin) {
	if origin != OriginServerInitial && origin != OriginServerRemote {
		if srv := c.serverFor(e.id); srv != nil {
			if err := srv.SendUpdate(e.id, update); err != nil {
				c.log.Debugw("server update not sent", "document_id", e.id, "error", err)
			}
		}
	}
	if origin != OriginBroadcast && c.opts.Bridge != nil {
		c.publish(func(ctx context.Context) error {
			return c.opts.Bridge.PublishUpdate(ctx, e.id, update)
		}, "update", e.id)
	}
}

func (c *Coordinator) forwardAwareness(e *entry, origin crdt.Origin) {
	if origin != crdt.LocalOrigin {
		return
	}
	srv := c.serverFor(e.id)
	if srv == nil {
		return
	}
	c.sendAwareness(srv, e)
}

func (c *Coordinator) sendAwareness(srv ServerConn, e *entry) {
	data, err := e.awareness.EncodeUpdate()
	if err != nil {
		c.log.Warnw("encode awareness", "document_id", e.id, "error", err)
		return
	}
	if err := srv.SendAwarenessUpdate(e.id, data); err != nil {
		c.log.Debugw("awareness not sent", "document_id", e.id, "error", err)
	}
}

// serverFor returns the server connection when documentID is the joined room.
func (c *Coordinator) serverFor(documentID string) ServerConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil || c.active != documentID {
		return nil
	}
	return c.server
}

func (c *Coordinator) publish(fn func(context.Context) error, what, documentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.log.Debugw("broadcast failed", "kind", what, "document_id", documentID, "error", err)
	}
}

func (c *Coordinator) bridgeUser() broadcast.User {
	return broadcast.User{ID: c.opts.UserID, DisplayName: c.opts.User.DisplayName, Color: c.opts.User.Color}
}

// Connect joins documentID's room on the server. The document must be
// acquired.
func (c *Coordinator) Connect(documentID string) error {
	c.mu.Lock()
	srv := c.server
	_, held := c.docs[documentID]
	c.mu.Unlock()
	if srv == nil {
		return ErrNoServer
	}
	if !held {
		return ErrNotAcquired
	}
	if err := srv.JoinRoom(documentID, c.opts.User); err != nil {
		return err
	}
	c.mu.Lock()
	if c.active != documentID {
		c.serverUsers = nil
	}
	c.active = documentID
	c.mu.Unlock()
	return nil
}

// Disconnect leaves the current room. The documents stay open.
func (c *Coordinator) Disconnect() error {
	c.mu.Lock()
	srv := c.server
	c.active = ""
	c.serverUsers = nil
	c.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.LeaveRoom()
}

// ActiveUsers merges the server's room roster with the other tabs' presence.
// Entries carrying the local display name are left out.
func (c *Coordinator) ActiveUsers(documentID string) []protocol.Presence {
	c.mu.Lock()
	var fromServer []protocol.Presence
	if c.active == documentID {
		fromServer = append(fromServer, c.serverUsers...)
	}
	c.mu.Unlock()

	seen := make(map[string]bool)
	out := make([]protocol.Presence, 0, len(fromServer))
	add := func(p protocol.Presence) {
		if p.DisplayName == c.opts.User.DisplayName || seen[p.ID] {
			return
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	for _, p := range fromServer {
		add(p)
	}
	if c.opts.Bridge != nil {
		for _, u := range c.opts.Bridge.RemoteUsers(documentID) {
			add(protocol.Presence{ID: u.ID, DisplayName: u.DisplayName, Color: u.Color})
		}
	}
	return out
}

func (c *Coordinator) Status() wsclient.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Handlers routes socket events into the held documents.
func (c *Coordinator) Handlers() wsclient.Handlers {
	return wsclient.Handlers{
		OnInitialState: c.onInitialState,
		OnUpdate: func(p protocol.UpdatePayload) {
			if e := c.lookup(p.DocumentID); e != nil {
				if err := e.doc.ApplyUpdate(p.Update, OriginServerRemote); err != nil {
					c.log.Warnw("dropping server update", "document_id", p.DocumentID, "error", err)
				}
			}
		},
		OnAwareness: func(p protocol.UpdatePayload) {
			if e := c.lookup(p.DocumentID); e != nil {
				if err := e.awareness.ApplyUpdate(p.Update, OriginServerRemote); err != nil {
					c.log.Debugw("dropping awareness update", "document_id", p.DocumentID, "error", err)
				}
			}
		},
		OnUserJoined: func(p protocol.Presence) {
			c.mu.Lock()
			defer c.mu.Unlock()
			for _, u := range c.serverUsers {
				if u.ID == p.ID {
					return
				}
			}
			c.serverUsers = append(c.serverUsers, p)
		},
		OnUserLeft: func(p protocol.UserLeftPayload) {
			c.mu.Lock()
			defer c.mu.Unlock()
			kept := c.serverUsers[:0]
			for _, u := range c.serverUsers {
				if u.ID != p.UserID {
					kept = append(kept, u)
				}
			}
			c.serverUsers = kept
		},
		OnError: func(p protocol.ErrorPayload) {
			c.log.Warnw("collaboration error", "code", p.Code, "message", p.Message)
			if c.opts.OnError != nil {
				c.opts.OnError(p)
			}
		},
		OnStatus: func(s wsclient.Status) {
			c.mu.Lock()
			c.status = s
			c.mu.Unlock()
		},
	}
}

func (c *Coordinator) onInitialState(p protocol.InitialStatePayload) {
	c.mu.Lock()
	e := c.docs[p.DocumentID]
	srv := c.server
	if e != nil {
		c.active = p.DocumentID
		c.serverUsers = append([]protocol.Presence(nil), p.Users...)
	}
	c.mu.Unlock()
	if e == nil {
		return
	}

	if len(p.State) > 0 {
		if err := e.doc.ApplyUpdate(p.State, OriginServerInitial); err != nil {
			c.log.Warnw("bad initial state", "document_id", p.DocumentID, "error", err)
		}
	}
	if srv == nil {
		return
	}
	// Push whatever the server is missing, e.g. edits made offline.
	if full := e.doc.EncodeStateAsUpdate(); !bytes.Equal(full, p.State) {
		if err := srv.SendUpdate(p.DocumentID, full); err != nil {
			c.log.Debugw("reconcile update not sent", "document_id", p.DocumentID, "error", err)
		}
	}
	c.sendAwareness(srv, e)
}

func (c *Coordinator) lookup(documentID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docs[documentID]
}

// Close tears every document down. Local logs stay on disk.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := make([]*entry, 0, len(c.docs))
	for _, e := range c.docs {
		if e.settle != nil {
			e.settle.Stop()
			e.settle = nil
		}
		entries = append(entries, e)
	}
	c.docs = make(map[string]*entry)
	c.active = ""
	c.mu.Unlock()

	for _, e := range entries {
		for _, unsub := range e.unsubs {
			unsub()
		}
		if e.binding != nil {
			e.binding.Close()
		}
		e.doc.Destroy()
	}
}

func (e *entry) isReady() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}
