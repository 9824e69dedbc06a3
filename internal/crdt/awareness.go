package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// AwarenessChange lists the clients whose state changed in one apply.
type AwarenessChange struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c AwarenessChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// All returns every client touched by the change.
func (c AwarenessChange) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type AwarenessHandler func(change AwarenessChange, origin Origin)

type awarenessEntry struct {
	Client uint64         `msgpack:"c"`
	Clock  uint64         `msgpack:"k"`
	State  map[string]any `msgpack:"s"`
}

type awarenessMeta struct {
	clock uint64
	state map[string]any
}

// Awareness carries ephemeral per-client state such as the user's name and
// cursor. It is never part of the document.
type Awareness struct {
	mu       sync.Mutex
	clientID uint64
	states   map[uint64]awarenessMeta
	handlers map[int]AwarenessHandler
	nextHnd  int
}

func NewAwareness(doc *Doc) *Awareness {
	a := &Awareness{
		clientID: doc.ClientID(),
		states:   make(map[uint64]awarenessMeta),
		handlers: make(map[int]AwarenessHandler),
	}
	a.states[a.clientID] = awarenessMeta{clock: 0, state: map[string]any{}}
	return a
}

func (a *Awareness) ClientID() uint64 { return a.clientID }

func (a *Awareness) LocalState() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyState(a.states[a.clientID].state)
}

// SetLocalState replaces the local state. A nil state marks the local
// client offline.
func (a *Awareness) SetLocalState(state map[string]any) {
	a.mu.Lock()
	prev, existed := a.states[a.clientID]
	meta := awarenessMeta{clock: prev.clock + 1, state: copyState(state)}
	a.states[a.clientID] = meta
	var change AwarenessChange
	switch {
	case state == nil && existed && prev.state != nil:
		change.Removed = []uint64{a.clientID}
	case state != nil && (!existed || prev.state == nil):
		change.Added = []uint64{a.clientID}
	case state != nil:
		change.Updated = []uint64{a.clientID}
	}
	handlers := a.handlersLocked()
	a.mu.Unlock()

	a.emit(handlers, change, LocalOrigin)
}

func (a *Awareness) SetLocalStateField(field string, value any) {
	state := a.LocalState()
	if state == nil {
		state = map[string]any{}
	}
	if value == nil {
		delete(state, field)
	} else {
		state[field] = value
	}
	a.SetLocalState(state)
}

// States returns the known non-offline states keyed by client id.
func (a *Awareness) States() map[uint64]map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]map[string]any, len(a.states))
	for id, meta := range a.states {
		if meta.state != nil {
			out[id] = copyState(meta.state)
		}
	}
	return out
}

// EncodeUpdate encodes the state of the given clients, or of the local
// client when none are given.
func (a *Awareness) EncodeUpdate(clients ...uint64) ([]byte, error) {
	if len(clients) == 0 {
		clients = []uint64{a.clientID}
	}
	a.mu.Lock()
	entries := make([]awarenessEntry, 0, len(clients))
	for _, id := range clients {
		meta, ok := a.states[id]
		if !ok {
			continue
		}
		entries = append(entries, awarenessEntry{Client: id, Clock: meta.clock, State: meta.state})
	}
	a.mu.Unlock()
	return msgpack.Marshal(entries)
}

// ApplyUpdate merges remote awareness states, keeping the newest clock per
// client. Updates about the local client are ignored.
func (a *Awareness) ApplyUpdate(data []byte, origin Origin) error {
	var entries []awarenessEntry
	if err := msgpack.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("%w: awareness: %v", ErrMalformedUpdate, err)
	}
	a.mu.Lock()
	var change AwarenessChange
	for _, e := range entries {
		if e.Client == a.clientID {
			continue
		}
		prev, existed := a.states[e.Client]
		if existed && e.Clock <= prev.clock {
			continue
		}
		a.states[e.Client] = awarenessMeta{clock: e.Clock, state: e.State}
		switch {
		case e.State == nil && existed && prev.state != nil:
			change.Removed = append(change.Removed, e.Client)
		case e.State != nil && (!existed || prev.state == nil):
			change.Added = append(change.Added, e.Client)
		case e.State != nil:
			change.Updated = append(change.Updated, e.Client)
		}
	}
	handlers := a.handlersLocked()
	a.mu.Unlock()

	a.emit(handlers, change, origin)
	return nil
}

// OnChange registers fn and returns a function that removes it.
func (a *Awareness) OnChange(fn AwarenessHandler) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := a.nextHnd
	a.nextHnd++
	a.handlers[key] = fn
	return func() {
		a.mu.Lock()
		delete(a.handlers, key)
		a.mu.Unlock()
	}
}

func (a *Awareness) handlersLocked() []AwarenessHandler {
	keys := make([]int, 0, len(a.handlers))
	for k := range a.handlers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]AwarenessHandler, 0, len(keys))
	for _, k := range keys {
		out = append(out, a.handlers[k])
	}
	return out
}

func (a *Awareness) emit(handlers []AwarenessHandler, change AwarenessChange, origin Origin) {
	if change.Empty() {
		return
	}
	for _, h := range handlers {
		h(change, origin)
	}
}

func copyState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
