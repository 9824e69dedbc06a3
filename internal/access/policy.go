// Package access decides whether a connection may join or edit a note.
package access

import (
	"context"
	"fmt"

	"knowtis/collab/internal/auth"
	"knowtis/collab/internal/protocol"
	"knowtis/collab/internal/rbac"
)

// NoteStore is the slice of persistence the policy consults.
type NoteStore interface {
	NoteExists(ctx context.Context, noteID string) (bool, error)
	IsPublic(ctx context.Context, noteID string) (bool, error)
	// HasAccess reports whether userID owns the note or holds a permission
	// at or above min.
	HasAccess(ctx context.Context, noteID, userID string, min rbac.Role) (bool, error)
}

// Decision is the outcome of a policy check. Code and Message are set when
// Allowed is false.
type Decision struct {
	Allowed bool
	Code    protocol.ErrorCode
	Message string
}

var allow = Decision{Allowed: true}

func deny(code protocol.ErrorCode, message string) Decision {
	return Decision{Code: code, Message: message}
}

type Policy struct {
	notes NoteStore
}

func NewPolicy(notes NoteStore) *Policy {
	return &Policy{notes: notes}
}

// CanJoin applies the join rules. Notes that do not exist yet are open to
// everyone.
func (p *Policy) CanJoin(ctx context.Context, id auth.Identity, noteID string) (Decision, error) {
	return p.check(ctx, id, noteID, rbac.ActionRead)
}

// CanEdit applies the edit rules. It is evaluated for every update.
func (p *Policy) CanEdit(ctx context.Context, id auth.Identity, noteID string) (Decision, error) {
	return p.check(ctx, id, noteID, rbac.ActionWrite)
}

func (p *Policy) check(ctx context.Context, id auth.Identity, noteID string, action rbac.Action) (Decision, error) {
	if id == nil {
		return deny(protocol.CodeAuthError, protocol.MsgAuthNotInitialized), nil
	}
	exists, err := p.notes.NoteExists(ctx, noteID)
	if err != nil {
		return Decision{}, fmt.Errorf("note exists: %w", err)
	}
	if !exists {
		return allow, nil
	}

	switch who := id.(type) {
	case auth.Authenticated:
		ok, err := p.notes.HasAccess(ctx, noteID, who.UserID, rbac.Required(action))
		if err != nil {
			return Decision{}, fmt.Errorf("has access: %w", err)
		}
		if ok {
			return allow, nil
		}
		if action == rbac.ActionWrite {
			return deny(protocol.CodeEditDenied, protocol.MsgEditDenied), nil
		}
		return deny(protocol.CodeAccessDenied, protocol.MsgAccessDenied), nil
	case auth.Anonymous:
		public, err := p.notes.IsPublic(ctx, noteID)
		if err != nil {
			return Decision{}, fmt.Errorf("is public: %w", err)
		}
		if public {
			return allow, nil
		}
		if action == rbac.ActionWrite {
			return deny(protocol.CodeEditDenied, protocol.MsgAnonymousEditDenied), nil
		}
		return deny(protocol.CodeAuthRequired, protocol.MsgAuthRequired), nil
	default:
		return deny(protocol.CodeAuthError, protocol.MsgAuthNotInitialized), nil
	}
}
