package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"knowtis/collab/internal/auth"
	"knowtis/collab/internal/collab"
	"knowtis/collab/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

// Connection lifecycle states.
const (
	StateConnecting = "connecting"
	StateIdentified = "identified"
	StateInRoom     = "in_room"
)

const (
	eventIdentify = "identify"
	eventJoin     = "join"
	eventLeave    = "leave"
)

// session is one client connection. Its identity is fixed after the
// handshake; room and presence are only touched from the read loop.
type session struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	log      *zap.SugaredLogger
	machine  *fsm.FSM
	identity auth.Identity

	room     *collab.Room
	presence collab.Presence

	closeOnce sync.Once
}

func newSession(id string, conn *websocket.Conn, buffer int, log *zap.SugaredLogger) *session {
	s := &session{
		id:   id,
		conn: conn,
		send: make(chan []byte, buffer),
		log:  log,
	}
	s.machine = fsm.NewFSM(
		StateConnecting,
		fsm.Events{
			{Name: eventIdentify, Src: []string{StateConnecting}, Dst: StateIdentified},
			{Name: eventJoin, Src: []string{StateIdentified}, Dst: StateInRoom},
			{Name: eventLeave, Src: []string{StateInRoom}, Dst: StateIdentified},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debugw("connection state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

func (s *session) transition(ctx context.Context, event string) {
	if err := s.machine.Event(ctx, event); err != nil {
		s.log.Warnw("invalid connection transition", "event", event, "state", s.machine.Current(), "error", err)
	}
}

func (s *session) state() string {
	return s.machine.Current()
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (s *session) enqueue(frame []byte) {
	select {
	case s.send <- frame:
	default:
		s.log.Warnw("send buffer full, dropping connection")
		s.close()
	}
}

func (s *session) emit(event protocol.Event, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		s.log.Errorw("encode frame", "event", event, "error", err)
		return
	}
	s.enqueue(frame)
}

func (s *session) emitError(code protocol.ErrorCode, message string) {
	s.emit(protocol.EventError, protocol.ErrorPayload{Message: message, Code: code})
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// writePump is the only writer on conn.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Debugw("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
