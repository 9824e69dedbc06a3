// Package crdt is a replicated text document. Items form an RGA sequence
// per named root; deletes leave tombstones so merges commute.
package crdt

import (
	"math/rand/v2"
	"sort"
	"sync"
)

// Origin tags where an update came from. It is handed back to update
// listeners and never leaves the process.
type Origin string

// LocalOrigin tags edits made through Text.
const LocalOrigin Origin = "local-edit"

// UpdateHandler receives the delta produced by a change along with the
// origin the change was applied with.
type UpdateHandler func(update []byte, origin Origin)

type item struct {
	id      ID
	root    string
	origin  ID
	content string
	deleted bool
	next    *item
}

// Doc is safe for concurrent use. Handlers run on the goroutine that made
// the change, after the document lock is released.
type Doc struct {
	mu        sync.Mutex
	client    uint64
	clock     uint64
	items     map[ID]*item
	heads     map[string]*item
	pending   map[ID]insertRecord
	pendingDe map[ID]struct{}
	handlers  map[int]UpdateHandler
	nextHnd   int
	destroyed bool
}

// NewDoc returns an empty document with a random client id.
func NewDoc() *Doc {
	client := rand.Uint64()
	for client == 0 {
		client = rand.Uint64()
	}
	return NewDocWithClientID(client)
}

func NewDocWithClientID(client uint64) *Doc {
	return &Doc{
		client:    client,
		items:     make(map[ID]*item),
		heads:     make(map[string]*item),
		pending:   make(map[ID]insertRecord),
		pendingDe: make(map[ID]struct{}),
		handlers:  make(map[int]UpdateHandler),
	}
}

func (d *Doc) ClientID() uint64 { return d.client }

// Text returns the text root with the given name.
func (d *Doc) Text(name string) *Text {
	d.mu.Lock()
	d.headLocked(name)
	d.mu.Unlock()
	return &Text{doc: d, name: name}
}

// OnUpdate registers fn and returns a function that removes it.
func (d *Doc) OnUpdate(fn UpdateHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := d.nextHnd
	d.nextHnd++
	d.handlers[key] = fn
	return func() {
		d.mu.Lock()
		delete(d.handlers, key)
		d.mu.Unlock()
	}
}

// ApplyUpdate merges a delta. Items whose dependencies are missing are held
// back until they arrive; already known items are ignored.
func (d *Doc) ApplyUpdate(data []byte, origin Origin) error {
	u, err := decodeUpdate(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return ErrDestroyed
	}
	applied := d.integrateLocked(u)
	handlers := d.handlersLocked()
	d.mu.Unlock()

	d.emit(handlers, applied, origin)
	return nil
}

// EncodeStateAsUpdate encodes the whole document. Replicas holding the same
// set of updates produce identical bytes. An empty document encodes to an
// empty slice.
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var u update
	names := make([]string, 0, len(d.heads))
	for name := range d.heads {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for it := d.heads[name].next; it != nil; it = it.next {
			u.Inserts = append(u.Inserts, insertRecord{ID: it.id, Root: it.root, Origin: it.origin, Content: it.content})
			if it.deleted {
				u.Deletes = append(u.Deletes, it.id)
			}
		}
	}

	pendingIDs := make([]ID, 0, len(d.pending))
	for id := range d.pending {
		pendingIDs = append(pendingIDs, id)
	}
	sortIDs(pendingIDs)
	for _, id := range pendingIDs {
		u.Inserts = append(u.Inserts, d.pending[id])
	}
	for id := range d.pendingDe {
		u.Deletes = append(u.Deletes, id)
	}
	sortIDs(u.Deletes)
	return encodeUpdate(u)
}

// Destroy drops listeners and refuses further updates.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.handlers = make(map[int]UpdateHandler)
}

func (d *Doc) headLocked(name string) *item {
	head, ok := d.heads[name]
	if !ok {
		head = &item{root: name}
		d.heads[name] = head
	}
	return head
}

func (d *Doc) handlersLocked() []UpdateHandler {
	keys := make([]int, 0, len(d.handlers))
	for k := range d.handlers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]UpdateHandler, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.handlers[k])
	}
	return out
}

func (d *Doc) emit(handlers []UpdateHandler, applied update, origin Origin) {
	if applied.empty() {
		return
	}
	b := encodeUpdate(applied)
	for _, h := range handlers {
		h(b, origin)
	}
}

// integrateLocked queues the incoming records and drains everything whose
// dependencies are satisfied, returning what actually changed.
func (d *Doc) integrateLocked(u update) update {
	for _, rec := range u.Inserts {
		if _, known := d.items[rec.ID]; known {
			continue
		}
		d.pending[rec.ID] = rec
	}
	for _, id := range u.Deletes {
		if it, known := d.items[id]; known && it.deleted {
			continue
		}
		d.pendingDe[id] = struct{}{}
	}

	var applied update
	for progress := true; progress; {
		progress = false
		ids := make([]ID, 0, len(d.pending))
		for id := range d.pending {
			ids = append(ids, id)
		}
		sortIDs(ids)
		for _, id := range ids {
			rec := d.pending[id]
			if !rec.Origin.IsZero() {
				parent, ok := d.items[rec.Origin]
				if !ok {
					continue
				}
				if parent.root != rec.Root {
					// cannot be placed anywhere
					delete(d.pending, id)
					continue
				}
			}
			delete(d.pending, id)
			d.insertLocked(rec)
			applied.Inserts = append(applied.Inserts, rec)
			progress = true
		}
	}

	deletes := make([]ID, 0, len(d.pendingDe))
	for id := range d.pendingDe {
		deletes = append(deletes, id)
	}
	sortIDs(deletes)
	for _, id := range deletes {
		it, ok := d.items[id]
		if !ok {
			continue
		}
		delete(d.pendingDe, id)
		if !it.deleted {
			it.deleted = true
			applied.Deletes = append(applied.Deletes, id)
		}
	}
	return applied
}

// insertLocked places rec after its origin, skipping over siblings with a
// greater id so every replica picks the same position.
func (d *Doc) insertLocked(rec insertRecord) {
	prev := d.headLocked(rec.Root)
	if !rec.Origin.IsZero() {
		prev = d.items[rec.Origin]
	}
	for prev.next != nil && rec.ID.Less(prev.next.id) {
		prev = prev.next
	}
	it := &item{id: rec.ID, root: rec.Root, origin: rec.Origin, content: rec.Content, next: prev.next}
	prev.next = it
	d.items[rec.ID] = it
	if rec.ID.Clock > d.clock {
		d.clock = rec.ID.Clock
	}
}
