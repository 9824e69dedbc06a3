package gateway

import "sync"

// hub maps room topics to the sessions subscribed to them.
type hub struct {
	mu       sync.Mutex
	topics   map[string]map[*session]struct{}
	sessions map[*session]struct{}
}

func newHub() *hub {
	return &hub{
		topics:   make(map[string]map[*session]struct{}),
		sessions: make(map[*session]struct{}),
	}
}

func (h *hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = struct{}{}
}

func (h *hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

func (h *hub) subscribe(topic string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*session]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
}

func (h *hub) unsubscribe(topic string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// broadcast queues frame on every subscriber of topic except the sender.
// Enqueueing happens under the hub lock so an unsubscribed session never
// receives a frame afterwards.
func (h *hub) broadcast(topic string, frame []byte, except *session) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.topics[topic] {
		if s == except {
			continue
		}
		s.enqueue(frame)
		n++
	}
	return n
}

func (h *hub) subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *hub) all() []*session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}
