// Package collab holds the in-memory rooms that multiplex editors of the
// same note, merge their updates and persist debounced snapshots.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"knowtis/collab/internal/clock"
	"knowtis/collab/internal/crdt"
	"knowtis/collab/internal/store"
)

var (
	ErrRoomClosed     = errors.New("collab: room closed")
	ErrRoomNotFound   = errors.New("collab: room not found")
	ErrRegistryClosed = errors.New("collab: registry closed")
)

const (
	originSnapshot crdt.Origin = "snapshot"
	originRemote   crdt.Origin = "remote"
)

// SnapshotStore is where room state is loaded from and written to.
type SnapshotStore interface {
	FindSnapshot(ctx context.Context, documentID string) ([]byte, error)
	WriteSnapshot(ctx context.Context, documentID string, state []byte) error
}

// SnapshotHook receives a room's encoded state.
type SnapshotHook func(ctx context.Context, documentID string, state []byte)

type Options struct {
	PersistDebounce time.Duration
	IdleTimeout     time.Duration
	// StoreTimeout bounds each snapshot read or write.
	StoreTimeout time.Duration
	Clock        clock.Clock
	Logger       *zap.SugaredLogger
	Metrics      *Metrics
	// OnFlush runs after each successful snapshot write.
	OnFlush SnapshotHook
	// OnClose runs once with the final state before a room is released.
	OnClose SnapshotHook
}

func (o Options) withDefaults() Options {
	if o.PersistDebounce <= 0 {
		o.PersistDebounce = 2 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = time.Minute
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// Registry maps document ids to live rooms. Lock order is Registry.mu before
// Room.mu, and Room.writeMu before Room.mu.
type Registry struct {
	store SnapshotStore
	opts  Options
	log   *zap.SugaredLogger
	group singleflight.Group

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewRegistry(snapshots SnapshotStore, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		store: snapshots,
		opts:  opts,
		log:   opts.Logger,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreateRoom returns the live room for documentID, creating and
// hydrating it on first use. Concurrent callers share one creation.
func (r *Registry) GetOrCreateRoom(ctx context.Context, documentID string) (*Room, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		room := r.rooms[documentID]
		r.mu.Unlock()

		if room == nil {
			v, err, _ := r.group.Do(documentID, func() (any, error) {
				return r.create(ctx, documentID)
			})
			if err != nil {
				return nil, err
			}
			room = v.(*Room)
		}

		room.mu.Lock()
		if !room.closing {
			room.lastActivity = r.opts.Clock.Now()
			room.mu.Unlock()
			return room, nil
		}
		room.mu.Unlock()

		select {
		case <-room.closed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Registry) create(ctx context.Context, documentID string) (*Room, error) {
	r.mu.Lock()
	if existing, ok := r.rooms[documentID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	doc := crdt.NewDoc()
	if state := r.hydrate(ctx, documentID); len(state) > 0 {
		if err := doc.ApplyUpdate(state, originSnapshot); err != nil {
			r.log.Errorw("discarding unreadable snapshot", "document_id", documentID, "error", err)
			doc = crdt.NewDoc()
		}
	}

	room := newRoom(documentID, doc, r.opts.Clock.Now())

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		doc.Destroy()
		return nil, ErrRegistryClosed
	}
	r.rooms[documentID] = room
	room.mu.Lock()
	// reclaims rooms that are created but never joined
	r.armCleanupLocked(room)
	room.mu.Unlock()

	r.opts.Metrics.roomOpened()
	r.log.Debugw("room created", "document_id", documentID)
	return room, nil
}

// hydrate is best effort: any failure yields an empty document.
func (r *Registry) hydrate(ctx context.Context, documentID string) []byte {
	// creation is shared between callers, so one caller going away must not
	// cancel the load for the others
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StoreTimeout)
	defer cancel()

	state, err := r.store.FindSnapshot(ctx, documentID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.log.Debugw("no snapshot, starting empty", "document_id", documentID)
		return nil
	case err != nil:
		r.log.Errorw("snapshot load failed, starting empty", "document_id", documentID, "error", err)
		return nil
	}
	return state
}

// Join adds a connection to the room for documentID, creating the room if
// needed. A room that starts closing in between is retried.
func (r *Registry) Join(ctx context.Context, documentID, connID string, presence Presence) (*Room, error) {
	for {
		room, err := r.GetOrCreateRoom(ctx, documentID)
		if err != nil {
			return nil, err
		}
		err = r.AddUser(room, connID, presence)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return room, nil
	}
}

func (r *Registry) AddUser(room *Room, connID string, presence Presence) error {
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closing {
		return ErrRoomClosed
	}
	if _, ok := room.users[connID]; !ok {
		r.opts.Metrics.userJoined()
	}
	room.users[connID] = presence
	room.lastActivity = r.opts.Clock.Now()
	return nil
}

// RemoveUser removes connID and reports the presence it had. Removing the
// last user arms the idle cleanup.
func (r *Registry) RemoveUser(room *Room, connID string) (Presence, bool) {
	room.mu.Lock()
	defer room.mu.Unlock()
	presence, ok := room.users[connID]
	if !ok {
		return Presence{}, false
	}
	delete(room.users, connID)
	r.opts.Metrics.usersLeft(1)
	room.lastActivity = r.opts.Clock.Now()
	if len(room.users) == 0 && !room.closing {
		r.armCleanupLocked(room)
	}
	return presence, true
}

// ApplyUpdate merges update into the room document and re-arms the
// persistence debounce.
func (r *Registry) ApplyUpdate(room *Room, update []byte) error {
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closing {
		return ErrRoomClosed
	}
	if err := room.doc.ApplyUpdate(update, originRemote); err != nil {
		if errors.Is(err, crdt.ErrDestroyed) {
			return ErrRoomClosed
		}
		return err
	}
	room.lastActivity = r.opts.Clock.Now()
	room.generation++
	r.opts.Metrics.updateApplied()

	if room.persistTimer != nil {
		room.persistTimer.Stop()
	}
	room.timerGen++
	gen := room.timerGen
	room.persistTimer = r.opts.Clock.AfterFunc(r.opts.PersistDebounce, func() {
		r.debounceFired(room, gen)
	})
	return nil
}

func (r *Registry) debounceFired(room *Room, gen uint64) {
	room.mu.Lock()
	if room.timerGen != gen || room.closing {
		room.mu.Unlock()
		return
	}
	room.persistTimer = nil
	room.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
	defer cancel()
	_ = r.flush(ctx, room)
}

// flush writes the current state if anything changed since the last
// successful write. Failures are logged and left for the next cycle.
func (r *Registry) flush(ctx context.Context, room *Room) error {
	room.writeMu.Lock()
	defer room.writeMu.Unlock()

	room.mu.Lock()
	if !room.dirtyLocked() {
		room.mu.Unlock()
		return nil
	}
	gen := room.generation
	state := room.doc.EncodeStateAsUpdate()
	room.mu.Unlock()

	err := r.store.WriteSnapshot(ctx, room.id, state)
	r.opts.Metrics.snapshotWritten(err)
	if err != nil {
		r.log.Warnw("snapshot write failed", "document_id", room.id, "error", err)
		return fmt.Errorf("write snapshot %s: %w", room.id, err)
	}

	room.mu.Lock()
	if gen > room.persistedGen {
		room.persistedGen = gen
	}
	room.mu.Unlock()

	r.log.Debugw("snapshot written", "document_id", room.id, "bytes", len(state))
	if r.opts.OnFlush != nil {
		r.opts.OnFlush(ctx, room.id, state)
	}
	return nil
}

// Snapshot encodes the full room state for a joining connection.
func (r *Registry) Snapshot(room *Room) []byte {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.doc.EncodeStateAsUpdate()
}

func (r *Registry) Users(room *Room) []Presence {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.usersLocked()
}

// Room returns the live room for documentID, if any.
func (r *Registry) Room(documentID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[documentID]
	if !ok || room.isClosing() {
		return nil, false
	}
	return room, true
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) armCleanupLocked(room *Room) {
	if room.cleanupTimer != nil {
		return
	}
	room.cleanupTimer = r.opts.Clock.AfterFunc(r.opts.IdleTimeout, func() {
		r.cleanupFired(room)
	})
}

// cleanupFired decides at fire time whether the room is still idle. A user
// who rejoined in the meantime keeps the room alive.
func (r *Registry) cleanupFired(room *Room) {
	r.mu.Lock()
	room.mu.Lock()
	room.cleanupTimer = nil
	if room.closing || r.rooms[room.id] != room || len(room.users) > 0 {
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	if idle := r.opts.Clock.Now().Sub(room.lastActivity); idle < r.opts.IdleTimeout {
		room.cleanupTimer = r.opts.Clock.AfterFunc(r.opts.IdleTimeout-idle, func() {
			r.cleanupFired(room)
		})
		room.mu.Unlock()
		r.mu.Unlock()
		return
	}
	room.closing = true
	room.mu.Unlock()
	r.mu.Unlock()

	r.opts.Metrics.roomReclaimed()
	r.log.Infow("releasing idle room", "document_id", room.id)
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
	defer cancel()
	_ = r.finalize(ctx, room)
}

// Destroy flushes and releases the room for documentID.
func (r *Registry) Destroy(ctx context.Context, documentID string) error {
	r.mu.Lock()
	room, ok := r.rooms[documentID]
	if !ok {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	room.mu.Lock()
	already := room.closing
	room.closing = true
	room.mu.Unlock()
	r.mu.Unlock()

	if already {
		select {
		case <-room.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.finalize(ctx, room)
}

// finalize runs once per room after closing was set.
func (r *Registry) finalize(ctx context.Context, room *Room) error {
	room.mu.Lock()
	if room.persistTimer != nil {
		room.persistTimer.Stop()
		room.persistTimer = nil
	}
	room.timerGen++
	if room.cleanupTimer != nil {
		room.cleanupTimer.Stop()
		room.cleanupTimer = nil
	}
	remaining := len(room.users)
	room.mu.Unlock()

	err := r.flush(ctx, room)

	if r.opts.OnClose != nil {
		room.mu.Lock()
		state := room.doc.EncodeStateAsUpdate()
		room.mu.Unlock()
		r.opts.OnClose(ctx, room.id, state)
	}

	room.mu.Lock()
	room.doc.Destroy()
	room.users = make(map[string]Presence)
	room.mu.Unlock()

	r.mu.Lock()
	if r.rooms[room.id] == room {
		delete(r.rooms, room.id)
	}
	r.mu.Unlock()

	r.opts.Metrics.usersLeft(remaining)
	r.opts.Metrics.roomClosed()
	close(room.closed)
	r.log.Debugw("room released", "document_id", room.id)
	return err
}

// Shutdown stops accepting rooms, then flushes and releases every live room
// concurrently, returning once all writes have finished.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var toFinalize, inFlight []*Room
	for _, room := range r.rooms {
		room.mu.Lock()
		if room.closing {
			inFlight = append(inFlight, room)
		} else {
			room.closing = true
			toFinalize = append(toFinalize, room)
		}
		room.mu.Unlock()
	}
	r.mu.Unlock()

	r.log.Infow("flushing rooms", "count", len(toFinalize)+len(inFlight))
	var g errgroup.Group
	for _, room := range toFinalize {
		g.Go(func() error { return r.finalize(ctx, room) })
	}
	for _, room := range inFlight {
		g.Go(func() error {
			select {
			case <-room.closed:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
