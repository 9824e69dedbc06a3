// Package protocol defines the JSON frames exchanged over the collaboration
// socket. Every frame is an Envelope whose Data shape depends on Event.
package protocol

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

type Event string

// Client to server.
const (
	EventJoin      Event = "collaboration:join"
	EventLeave     Event = "collaboration:leave"
	EventSync      Event = "collaboration:sync"
	EventAwareness Event = "collaboration:awareness"
)

// Server to client.
const (
	EventInitialState    Event = "collaboration:initial-state"
	EventUpdate          Event = "collaboration:update"
	EventUserJoined      Event = "collaboration:user-joined"
	EventUserLeft        Event = "collaboration:user-left"
	EventAwarenessChange Event = "collaboration:awareness-change"
	EventError           Event = "collaboration:error"
)

type ErrorCode string

const (
	CodeAuthError    ErrorCode = "AUTH_ERROR"
	CodeAccessDenied ErrorCode = "ACCESS_DENIED"
	CodeAuthRequired ErrorCode = "AUTH_REQUIRED"
	CodeEditDenied   ErrorCode = "EDIT_DENIED"
	CodeRoomNotFound ErrorCode = "ROOM_NOT_FOUND"
	CodeJoinFailed   ErrorCode = "JOIN_FAILED"
)

const (
	MsgAuthNotInitialized  = "Authentication state not initialized"
	MsgAccessDenied        = "You do not have access to this note"
	MsgAuthRequired        = "Anonymous users can only access public notes. Please sign in to access this note."
	MsgJoinFailed          = "Failed to join collaboration room"
	MsgEditDenied          = "You do not have permission to edit this note"
	MsgAnonymousEditDenied = "Anonymous users cannot edit private notes"
	MsgRoomNotFound        = "Room not found"
	MsgConnectFailed       = "Failed to connect to collaboration server"
)

var ErrMalformedFrame = errors.New("protocol: malformed frame")

type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type UserInfo struct {
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

type JoinPayload struct {
	DocumentID string   `json:"documentId"`
	User       UserInfo `json:"user"`
}

// UpdatePayload carries document and awareness deltas. Update is base64 on
// the wire.
type UpdatePayload struct {
	DocumentID string `json:"documentId"`
	Update     []byte `json:"update"`
}

type Presence struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

type InitialStatePayload struct {
	DocumentID string     `json:"documentId"`
	State      []byte     `json:"state"`
	Users      []Presence `json:"users"`
}

type UserLeftPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type ErrorPayload struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
}

func (e ErrorPayload) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Encode builds a frame. A nil payload produces a frame without data.
func Encode(event Event, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return env, nil
}

// Bind decodes the envelope data into v.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedFrame, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedFrame, e.Event, err)
	}
	return nil
}
