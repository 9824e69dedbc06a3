// Package broadcast propagates document updates and presence between
// clients on the same machine.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ChannelName is the shared name every participant publishes on.
const ChannelName = "knowtis-collaboration"

var ErrClosed = errors.New("broadcast: channel closed")

type Kind string

const (
	KindUpdate   Kind = "update"
	KindPresence Kind = "presence"
	KindLeave    Kind = "leave"
)

type User struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"name"`
	Color       string `msgpack:"color"`
}

// Message is one broadcast. Update is set for KindUpdate, User for the
// presence kinds.
type Message struct {
	Kind       Kind   `msgpack:"kind"`
	DocumentID string `msgpack:"doc"`
	Update     []byte `msgpack:"update,omitempty"`
	User       *User  `msgpack:"user,omitempty"`
	Sender     string `msgpack:"sender"`
}

func (m Message) validate() error {
	if m.DocumentID == "" {
		return fmt.Errorf("broadcast: message without document")
	}
	switch m.Kind {
	case KindUpdate:
		return nil
	case KindPresence, KindLeave:
		if m.User == nil {
			return fmt.Errorf("broadcast: %s message without user", m.Kind)
		}
		return nil
	default:
		return fmt.Errorf("broadcast: unknown kind %q", m.Kind)
	}
}

func encode(m Message) ([]byte, error) {
	return msgpack.Marshal(&m)
}

func decode(b []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("broadcast: decode: %w", err)
	}
	return m, m.validate()
}

// Channel is a publish/subscribe endpoint. A participant never receives
// its own messages.
type Channel interface {
	Publish(ctx context.Context, m Message) error
	// Subscribe delivers every message from other participants to fn, in
	// order per sender. The returned func stops delivery.
	Subscribe(fn func(Message)) (func(), error)
	// Sender identifies this participant.
	Sender() string
	Close() error
}
