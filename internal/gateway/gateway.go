// Package gateway terminates collaboration sockets, checks access for every
// join and edit, and relays document and awareness updates between the
// connections of a room.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"knowtis/collab/internal/access"
	"knowtis/collab/internal/auth"
	"knowtis/collab/internal/collab"
	"knowtis/collab/internal/protocol"
	"knowtis/collab/internal/util"
)

// Policy decides joins and edits.
type Policy interface {
	CanJoin(ctx context.Context, id auth.Identity, noteID string) (access.Decision, error)
	CanEdit(ctx context.Context, id auth.Identity, noteID string) (access.Decision, error)
}

type Options struct {
	Logger *zap.SugaredLogger
	// CheckOrigin is passed to the upgrader. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
	// SendBuffer is the number of frames queued per connection.
	SendBuffer int
	// OpTimeout bounds the policy and registry calls of a single event.
	OpTimeout time.Duration
}

type Gateway struct {
	verifier *auth.Verifier
	policy   Policy
	registry *collab.Registry
	hub      *hub
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader
	opts     Options
}

func New(verifier *auth.Verifier, policy Policy, registry *collab.Registry, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 15 * time.Second
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		verifier: verifier,
		policy:   policy,
		registry: registry,
		hub:      newHub(),
		log:      opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		opts: opts,
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
// A missing or invalid token yields an anonymous identity.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debugw("websocket upgrade failed", "error", err)
		return
	}

	connID := util.NewID("conn")
	s := newSession(connID, conn, g.opts.SendBuffer, g.log.With("conn_id", connID))
	s.identity = auth.Identify(g.verifier, tokenFromRequest(r), connID)
	s.transition(context.Background(), eventIdentify)
	s.log.Debugw("connection identified", "identity", auth.IdentityID(s.identity), "authenticated", isAuthenticated(s.identity))

	g.hub.register(s)
	go s.writePump()
	g.readLoop(s)
}

// Close drops every open connection. Their read loops run the usual leave.
func (g *Gateway) Close() {
	for _, s := range g.hub.all() {
		s.close()
	}
}

func (g *Gateway) readLoop(s *session) {
	defer func() {
		g.leave(s)
		g.hub.unregister(s)
		close(s.send)
		s.close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugw("connection dropped", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.Decode(frame)
		if err != nil {
			s.log.Debugw("ignoring malformed frame", "error", err)
			continue
		}
		g.dispatch(s, env)
	}
}

func (g *Gateway) dispatch(s *session, env protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.OpTimeout)
	defer cancel()

	switch env.Event {
	case protocol.EventJoin:
		g.handleJoin(ctx, s, env)
	case protocol.EventLeave:
		g.leave(s)
	case protocol.EventSync:
		g.handleSync(ctx, s, env)
	case protocol.EventAwareness:
		g.handleAwareness(s, env)
	default:
		s.log.Debugw("ignoring unknown event", "event", env.Event)
	}
}

func (g *Gateway) handleJoin(ctx context.Context, s *session, env protocol.Envelope) {
	var p protocol.JoinPayload
	if err := env.Bind(&p); err != nil || p.DocumentID == "" {
		s.log.Debugw("ignoring join without document", "error", err)
		return
	}

	decision, err := g.policy.CanJoin(ctx, s.identity, p.DocumentID)
	if err != nil {
		s.log.Errorw("join policy failed", "document_id", p.DocumentID, "error", err)
		s.emitError(protocol.CodeJoinFailed, protocol.MsgJoinFailed)
		return
	}
	if !decision.Allowed {
		s.log.Infow("join denied", "document_id", p.DocumentID, "code", decision.Code)
		s.emitError(decision.Code, decision.Message)
		return
	}

	g.leave(s)

	presence := collab.Presence{
		UserID:      auth.IdentityID(s.identity),
		DisplayName: p.User.DisplayName,
		Color:       p.User.Color,
	}
	room, err := g.registry.Join(ctx, p.DocumentID, s.id, presence)
	if err != nil {
		s.log.Errorw("join failed", "document_id", p.DocumentID, "error", err)
		s.emitError(protocol.CodeJoinFailed, protocol.MsgJoinFailed)
		return
	}
	s.room = room
	s.presence = presence
	// Subscribe before taking the snapshot so no relayed update falls between.
	g.hub.subscribe(room.ID(), s)
	s.transition(ctx, eventJoin)

	s.emit(protocol.EventInitialState, protocol.InitialStatePayload{
		DocumentID: room.ID(),
		State:      g.registry.Snapshot(room),
		Users:      wireUsers(g.registry.Users(room)),
	})
	g.relay(room.ID(), protocol.EventUserJoined, wirePresence(presence), s)
	s.log.Infow("joined room", "document_id", room.ID(), "user_id", presence.UserID)
}

// leave removes the session from its room, if any.
func (g *Gateway) leave(s *session) {
	room := s.room
	if room == nil {
		return
	}
	s.room = nil
	g.hub.unsubscribe(room.ID(), s)
	presence, ok := g.registry.RemoveUser(room, s.id)
	if ok {
		g.relay(room.ID(), protocol.EventUserLeft, protocol.UserLeftPayload{
			UserID:      presence.UserID,
			DisplayName: presence.DisplayName,
		}, s)
	}
	s.transition(context.Background(), eventLeave)
	s.log.Infow("left room", "document_id", room.ID())
}

func (g *Gateway) handleSync(ctx context.Context, s *session, env protocol.Envelope) {
	var p protocol.UpdatePayload
	if err := env.Bind(&p); err != nil || p.DocumentID == "" {
		s.log.Debugw("ignoring sync without document", "error", err)
		return
	}

	decision, err := g.policy.CanEdit(ctx, s.identity, p.DocumentID)
	if err != nil {
		s.log.Errorw("edit policy failed, dropping update", "document_id", p.DocumentID, "error", err)
		return
	}
	if !decision.Allowed {
		s.emitError(decision.Code, decision.Message)
		return
	}

	room, ok := g.registry.Room(p.DocumentID)
	if !ok {
		s.emitError(protocol.CodeRoomNotFound, protocol.MsgRoomNotFound)
		return
	}
	if err := g.registry.ApplyUpdate(room, p.Update); err != nil {
		if errors.Is(err, collab.ErrRoomClosed) {
			s.emitError(protocol.CodeRoomNotFound, protocol.MsgRoomNotFound)
			return
		}
		s.log.Warnw("rejecting update", "document_id", p.DocumentID, "error", err)
		return
	}
	g.relay(p.DocumentID, protocol.EventUpdate, protocol.UpdatePayload{DocumentID: p.DocumentID, Update: p.Update}, s)
}

func (g *Gateway) handleAwareness(s *session, env protocol.Envelope) {
	var p protocol.UpdatePayload
	if err := env.Bind(&p); err != nil || p.DocumentID == "" {
		return
	}
	g.relay(p.DocumentID, protocol.EventAwarenessChange, p, s)
}

func (g *Gateway) relay(topic string, event protocol.Event, payload any, except *session) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		g.log.Errorw("encode frame", "event", event, "error", err)
		return
	}
	g.hub.broadcast(topic, frame, except)
}

// tokenFromRequest reads the handshake token from the query string, then
// the Authorization header.
func tokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return auth.BearerToken(r.Header.Get("Authorization"))
}

func isAuthenticated(id auth.Identity) bool {
	_, ok := id.(auth.Authenticated)
	return ok
}

func wirePresence(p collab.Presence) protocol.Presence {
	return protocol.Presence{ID: p.UserID, DisplayName: p.DisplayName, Color: p.Color}
}

func wireUsers(users []collab.Presence) []protocol.Presence {
	out := make([]protocol.Presence, 0, len(users))
	for _, u := range users {
		out = append(out, wirePresence(u))
	}
	return out
}
