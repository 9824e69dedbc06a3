package collab

import (
	"sort"
	"sync"
	"time"

	"knowtis/collab/internal/clock"
	"knowtis/collab/internal/crdt"
)

// Presence describes a connection joined to a room.
type Presence struct {
	UserID      string
	DisplayName string
	Color       string
}

// Room owns the live document for one note. All mutation goes through the
// Registry.
type Room struct {
	id     string
	doc    *crdt.Doc
	closed chan struct{}

	// writeMu serializes snapshot writes for this room.
	writeMu sync.Mutex

	mu           sync.Mutex
	users        map[string]Presence
	lastActivity time.Time
	persistTimer clock.Timer
	timerGen     uint64
	generation   uint64
	persistedGen uint64
	cleanupTimer clock.Timer
	closing      bool
}

func newRoom(id string, doc *crdt.Doc, now time.Time) *Room {
	return &Room{
		id:           id,
		doc:          doc,
		closed:       make(chan struct{}),
		users:        make(map[string]Presence),
		lastActivity: now,
	}
}

func (r *Room) ID() string { return r.id }

// Done is closed once the room has been flushed and released.
func (r *Room) Done() <-chan struct{} { return r.closed }

func (r *Room) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

func (r *Room) isClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *Room) dirtyLocked() bool {
	return r.generation != r.persistedGen
}

func (r *Room) usersLocked() []Presence {
	conns := make([]string, 0, len(r.users))
	for conn := range r.users {
		conns = append(conns, conn)
	}
	sort.Strings(conns)
	out := make([]Presence, 0, len(conns))
	for _, conn := range conns {
		out = append(out, r.users[conn])
	}
	return out
}
