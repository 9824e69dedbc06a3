// Package wsclient is the client end of the collaboration socket.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"knowtis/collab/internal/protocol"
)

var ErrNotConnected = errors.New("wsclient: not connected")

// DefaultMaxRetries bounds automatic reconnect attempts after the first dial.
const DefaultMaxRetries = 5

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Handlers receive server events. They run on the read goroutine and any of
// them may be nil.
type Handlers struct {
	OnInitialState func(protocol.InitialStatePayload)
	OnUpdate       func(protocol.UpdatePayload)
	OnAwareness    func(protocol.UpdatePayload)
	OnUserJoined   func(protocol.Presence)
	OnUserLeft     func(protocol.UserLeftPayload)
	OnError        func(protocol.ErrorPayload)
	OnStatus       func(Status)
}

type Options struct {
	Logger     *zap.SugaredLogger
	Dialer     *websocket.Dialer
	MaxRetries uint64
	// NewBackOff returns the retry schedule for one connect attempt.
	NewBackOff func() backoff.BackOff
}

type Client struct {
	endpoint string
	token    string
	h        Handlers
	opts     Options
	log      *zap.SugaredLogger

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	document string
	user     protocol.UserInfo
	closed   bool
	// life is cancelled by Disconnect and bounds automatic reconnects.
	life context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New returns a client for endpoint (ws:// or wss://). token may be empty
// for an anonymous session.
func New(endpoint, token string, h Handlers, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	return &Client{endpoint: endpoint, token: token, h: h, opts: opts, log: opts.Logger}
}

// Connect dials the server, retrying with backoff. When every attempt fails
// a JOIN_FAILED error is reported to OnError and returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	if c.life == nil || c.life.Err() != nil {
		c.life, c.stop = context.WithCancel(context.Background())
	}
	c.mu.Unlock()
	c.status(StatusConnecting)

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		c.connectFailed(err)
		return err
	}
	if !c.attach(conn) {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	var conn *websocket.Conn
	attempt := 0
	operation := func() error {
		attempt++
		dialed, resp, err := c.dialOnce(ctx, target, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return err
		}
		conn = dialed
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.opts.NewBackOff(), c.opts.MaxRetries), ctx)
	err = backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		c.log.Debugw("connect attempt failed", "attempt", attempt, "retry_in", next, "error", err)
	})
	if err != nil {
		return nil, fmt.Errorf("connect after %d attempts: %w", attempt, err)
	}
	return conn, nil
}

// dialOnce runs one handshake. The dialer only honors deadlines, so the raw
// connection is closed when ctx is cancelled mid-handshake.
func (c *Client) dialOnce(ctx context.Context, target string, header http.Header) (*websocket.Conn, *http.Response, error) {
	var (
		mu   sync.Mutex
		raw  net.Conn
		done bool
	)
	dialer := *c.opts.Dialer
	netDial := dialer.NetDialContext
	if netDial == nil {
		netDial = (&net.Dialer{}).DialContext
	}
	dialer.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := netDial(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		if done {
			_ = conn.Close()
			return nil, ctx.Err()
		}
		raw = conn
		return conn, nil
	}
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		done = true
		if raw != nil {
			_ = raw.Close()
		}
	})
	defer stop()
	return dialer.DialContext(ctx, target, header)
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// attach installs conn and starts reading. It refuses once Disconnect ran.
func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	c.status(StatusConnected)
	go c.readLoop(conn)
	return true
}

func (c *Client) connectFailed(err error) {
	c.log.Warnw("collaboration server unreachable", "error", err)
	c.status(StatusDisconnected)
	if c.h.OnError != nil {
		c.h.OnError(protocol.ErrorPayload{Message: protocol.MsgConnectFailed, Code: protocol.CodeJoinFailed})
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.log.Debugw("ignoring malformed frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	var err error
	switch env.Event {
	case protocol.EventInitialState:
		var p protocol.InitialStatePayload
		if err = env.Bind(&p); err == nil && c.h.OnInitialState != nil {
			c.h.OnInitialState(p)
		}
	case protocol.EventUpdate:
		var p protocol.UpdatePayload
		if err = env.Bind(&p); err == nil && c.h.OnUpdate != nil {
			c.h.OnUpdate(p)
		}
	case protocol.EventAwarenessChange:
		var p protocol.UpdatePayload
		if err = env.Bind(&p); err == nil && c.h.OnAwareness != nil {
			c.h.OnAwareness(p)
		}
	case protocol.EventUserJoined:
		var p protocol.Presence
		if err = env.Bind(&p); err == nil && c.h.OnUserJoined != nil {
			c.h.OnUserJoined(p)
		}
	case protocol.EventUserLeft:
		var p protocol.UserLeftPayload
		if err = env.Bind(&p); err == nil && c.h.OnUserLeft != nil {
			c.h.OnUserLeft(p)
		}
	case protocol.EventError:
		var p protocol.ErrorPayload
		if err = env.Bind(&p); err == nil && c.h.OnError != nil {
			c.h.OnError(p)
		}
	default:
		c.log.Debugw("ignoring unknown event", "event", env.Event)
	}
	if err != nil {
		c.log.Debugw("ignoring frame", "event", env.Event, "error", err)
	}
}

// connectionLost reconnects unless the client was closed on purpose.
func (c *Client) connectionLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	document, user := c.document, c.user
	life := c.life
	c.mu.Unlock()
	_ = conn.Close()

	c.log.Infow("connection lost, reconnecting", "error", err)
	c.status(StatusConnecting)
	fresh, dialErr := c.dialWithRetry(life)
	if dialErr != nil {
		if life.Err() != nil {
			c.log.Debugw("reconnect abandoned", "error", dialErr)
			return
		}
		c.connectFailed(dialErr)
		return
	}

	if !c.attach(fresh) {
		return
	}
	if document != "" {
		if err := c.send(protocol.EventJoin, protocol.JoinPayload{DocumentID: document, User: user}); err != nil {
			c.log.Warnw("rejoin failed", "document_id", document, "error", err)
		}
	}
}

// JoinRoom joins documentID, leaving the current room first if it differs.
func (c *Client) JoinRoom(documentID string, user protocol.UserInfo) error {
	c.mu.Lock()
	current := c.document
	c.mu.Unlock()
	if current != "" && current != documentID {
		if err := c.LeaveRoom(); err != nil {
			return err
		}
	}
	if err := c.send(protocol.EventJoin, protocol.JoinPayload{DocumentID: documentID, User: user}); err != nil {
		return err
	}
	c.mu.Lock()
	c.document = documentID
	c.user = user
	c.mu.Unlock()
	return nil
}

// LeaveRoom is a no-op when not in a room.
func (c *Client) LeaveRoom() error {
	c.mu.Lock()
	current := c.document
	c.document = ""
	c.mu.Unlock()
	if current == "" {
		return nil
	}
	return c.send(protocol.EventLeave, nil)
}

func (c *Client) SendUpdate(documentID string, update []byte) error {
	return c.send(protocol.EventSync, protocol.UpdatePayload{DocumentID: documentID, Update: update})
}

func (c *Client) SendAwarenessUpdate(documentID string, update []byte) error {
	return c.send(protocol.EventAwareness, protocol.UpdatePayload{DocumentID: documentID, Update: update})
}

// Disconnect leaves the current room, then closes the socket. It must not
// be called from a handler.
func (c *Client) Disconnect() error {
	leaveErr := c.LeaveRoom()
	if errors.Is(leaveErr, ErrNotConnected) {
		leaveErr = nil
	}

	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.stop != nil {
		c.stop()
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
	c.status(StatusDisconnected)
	return leaveErr
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// CurrentDocument is the room this client last joined.
func (c *Client) CurrentDocument() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.document
}

func (c *Client) send(event protocol.Event, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

func (c *Client) status(s Status) {
	if c.h.OnStatus != nil {
		c.h.OnStatus(s)
	}
}
