package localstore

import (
	"sync"

	"go.uber.org/zap"

	"knowtis/collab/internal/crdt"
)

// Origin tags updates replayed from the local log.
const Origin crdt.Origin = "local-store"

// Binding mirrors one document into the store. Replayed updates are not
// recorded again.
type Binding struct {
	store        *Store
	doc          *crdt.Doc
	documentID   string
	compactAfter int
	log          *zap.SugaredLogger

	unsubscribe func()
	synced      chan struct{}
	mu          sync.Mutex
	closed      bool
}

type BindOption func(*Binding)

func WithCompactAfter(n int) BindOption {
	return func(b *Binding) { b.compactAfter = n }
}

func WithLogger(log *zap.SugaredLogger) BindOption {
	return func(b *Binding) { b.log = log }
}

// Bind starts recording doc's updates and replays the stored log into doc
// in the background. Synced is closed when the replay is done.
func (s *Store) Bind(doc *crdt.Doc, documentID string, opts ...BindOption) *Binding {
	b := &Binding{
		store:        s,
		doc:          doc,
		documentID:   documentID,
		compactAfter: DefaultCompactAfter,
		log:          zap.NewNop().Sugar(),
		synced:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.unsubscribe = doc.OnUpdate(b.record)
	go b.load()
	return b
}

func (b *Binding) load() {
	defer close(b.synced)
	updates, err := b.store.LoadUpdates(b.documentID)
	if err != nil {
		b.log.Warnw("local load failed", "document_id", b.documentID, "error", err)
		return
	}
	for _, u := range updates {
		if err := b.doc.ApplyUpdate(u, Origin); err != nil {
			b.log.Warnw("skipping stored update", "document_id", b.documentID, "error", err)
		}
	}
	b.log.Debugw("local log replayed", "document_id", b.documentID, "updates", len(updates))
}

func (b *Binding) record(update []byte, origin crdt.Origin) {
	if origin == Origin {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	n, err := b.store.AppendUpdate(b.documentID, update)
	if err != nil {
		b.log.Warnw("local append failed", "document_id", b.documentID, "error", err)
		return
	}
	if b.compactAfter > 0 && n >= b.compactAfter {
		if err := b.store.Compact(b.documentID); err != nil {
			b.log.Warnw("local compaction failed", "document_id", b.documentID, "error", err)
		}
	}
}

func (b *Binding) Synced() <-chan struct{} { return b.synced }

// Close stops recording. It waits for the replay to finish.
func (b *Binding) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.unsubscribe()
	<-b.synced
}
