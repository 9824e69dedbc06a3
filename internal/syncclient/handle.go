package syncclient

import (
	"sync"

	"knowtis/collab/internal/crdt"
)

// Handle is one view's claim on a document. The document is owned by the
// coordinator; edits go through Text and Awareness.
type Handle struct {
	c    *Coordinator
	e    *entry
	once sync.Once
}

func (h *Handle) DocumentID() string { return h.e.id }

// Text is the note body.
func (h *Handle) Text() *crdt.Text { return h.e.text }

func (h *Handle) Awareness() *crdt.Awareness { return h.e.awareness }

// OnUpdate observes every change to the document along with its origin.
func (h *Handle) OnUpdate(fn crdt.UpdateHandler) func() { return h.e.doc.OnUpdate(fn) }

// State encodes the whole document.
func (h *Handle) State() []byte { return h.e.doc.EncodeStateAsUpdate() }

// Ready is closed once the settle delay has passed, after which the body
// can be checked for emptiness.
func (h *Handle) Ready() <-chan struct{} { return h.e.ready }

func (h *Handle) IsReady() bool { return h.e.isReady() }

// Synced is closed when the local log has been replayed. Without a local
// store it is already closed.
func (h *Handle) Synced() <-chan struct{} {
	if h.e.binding == nil {
		return closedChan
	}
	return h.e.binding.Synced()
}

// Release gives up this claim. The last release cancels a pending settle and
// clears the cursor; the document itself stays cached.
func (h *Handle) Release() {
	h.once.Do(func() { h.c.release(h.e) })
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
