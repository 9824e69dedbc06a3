package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"knowtis/collab/internal/clock"
)

const (
	DefaultStaleAfter = 10 * time.Second
	DefaultSweepEvery = 3 * time.Second
)

type BridgeOptions struct {
	Clock      clock.Clock
	Logger     *zap.SugaredLogger
	StaleAfter time.Duration
	SweepEvery time.Duration
	// OnPresence runs after the remote presence of a document changes.
	OnPresence func(documentID string)
}

type presenceEntry struct {
	user     User
	lastSeen time.Time
}

// Bridge routes channel messages to per-document handlers and tracks the
// presence other participants announce.
type Bridge struct {
	ch   Channel
	opts BridgeOptions
	log  *zap.SugaredLogger

	mu        sync.Mutex
	handlers  map[string]func([]byte)
	presence  map[string]map[string]presenceEntry
	announced map[string]User
	sweep     clock.Timer
	closed    bool

	unsubscribe func()
}

func NewBridge(ch Channel, opts BridgeOptions) (*Bridge, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = DefaultSweepEvery
	}
	b := &Bridge{
		ch:        ch,
		opts:      opts,
		log:       opts.Logger,
		handlers:  make(map[string]func([]byte)),
		presence:  make(map[string]map[string]presenceEntry),
		announced: make(map[string]User),
	}
	unsubscribe, err := ch.Subscribe(b.receive)
	if err != nil {
		return nil, err
	}
	b.unsubscribe = unsubscribe
	b.mu.Lock()
	b.sweep = opts.Clock.AfterFunc(opts.SweepEvery, b.tick)
	b.mu.Unlock()
	return b, nil
}

// Register routes updates for documentID to fn until the returned func is
// called.
func (b *Bridge) Register(documentID string, fn func(update []byte)) func() {
	b.mu.Lock()
	b.handlers[documentID] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, documentID)
		b.mu.Unlock()
	}
}

func (b *Bridge) PublishUpdate(ctx context.Context, documentID string, update []byte) error {
	return b.ch.Publish(ctx, Message{Kind: KindUpdate, DocumentID: documentID, Update: update})
}

// Announce publishes user's presence on documentID and keeps repeating it on
// every sweep until Withdraw.
func (b *Bridge) Announce(ctx context.Context, documentID string, user User) error {
	b.mu.Lock()
	b.announced[documentID] = user
	b.mu.Unlock()
	return b.ch.Publish(ctx, Message{Kind: KindPresence, DocumentID: documentID, User: &user})
}

func (b *Bridge) Withdraw(ctx context.Context, documentID string) error {
	b.mu.Lock()
	user, ok := b.announced[documentID]
	delete(b.announced, documentID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.ch.Publish(ctx, Message{Kind: KindLeave, DocumentID: documentID, User: &user})
}

// RemoteUsers lists the live remote presence for documentID ordered by id.
func (b *Bridge) RemoteUsers(documentID string) []User {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.presence[documentID]
	out := make([]User, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Bridge) receive(m Message) {
	switch m.Kind {
	case KindUpdate:
		b.mu.Lock()
		fn := b.handlers[m.DocumentID]
		b.mu.Unlock()
		if fn != nil {
			fn(m.Update)
		}
	case KindPresence:
		b.mu.Lock()
		users, ok := b.presence[m.DocumentID]
		if !ok {
			users = make(map[string]presenceEntry)
			b.presence[m.DocumentID] = users
		}
		_, known := users[m.User.ID]
		users[m.User.ID] = presenceEntry{user: *m.User, lastSeen: b.opts.Clock.Now()}
		b.mu.Unlock()
		if !known {
			b.notify(m.DocumentID)
		}
	case KindLeave:
		b.mu.Lock()
		_, known := b.presence[m.DocumentID][m.User.ID]
		b.removeLocked(m.DocumentID, m.User.ID)
		b.mu.Unlock()
		if known {
			b.notify(m.DocumentID)
		}
	}
}

func (b *Bridge) removeLocked(documentID, userID string) {
	users := b.presence[documentID]
	delete(users, userID)
	if len(users) == 0 {
		delete(b.presence, documentID)
	}
}

// tick prunes stale presence and re-announces local presence.
func (b *Bridge) tick() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	cutoff := b.opts.Clock.Now().Add(-b.opts.StaleAfter)
	var changed []string
	for documentID, users := range b.presence {
		pruned := false
		for userID, e := range users {
			if e.lastSeen.Before(cutoff) {
				delete(users, userID)
				pruned = true
			}
		}
		if len(users) == 0 {
			delete(b.presence, documentID)
		}
		if pruned {
			changed = append(changed, documentID)
		}
	}
	heartbeats := make(map[string]User, len(b.announced))
	for documentID, user := range b.announced {
		heartbeats[documentID] = user
	}
	b.sweep = b.opts.Clock.AfterFunc(b.opts.SweepEvery, b.tick)
	b.mu.Unlock()

	for _, documentID := range changed {
		b.notify(documentID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.SweepEvery)
	defer cancel()
	for documentID, user := range heartbeats {
		if err := b.ch.Publish(ctx, Message{Kind: KindPresence, DocumentID: documentID, User: &user}); err != nil {
			b.log.Debugw("presence heartbeat failed", "document_id", documentID, "error", err)
		}
	}
}

func (b *Bridge) notify(documentID string) {
	if b.opts.OnPresence != nil {
		b.opts.OnPresence(documentID)
	}
}

// Close withdraws every announced presence and stops the sweep.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.sweep != nil {
		b.sweep.Stop()
	}
	documents := make([]string, 0, len(b.announced))
	for documentID := range b.announced {
		documents = append(documents, documentID)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, documentID := range documents {
		_ = b.Withdraw(ctx, documentID)
	}
	b.unsubscribe()
}
