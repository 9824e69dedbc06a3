package store

import (
	"errors"
	"time"

	"knowtis/collab/internal/rbac"
)

var ErrNotFound = errors.New("not found")

type Note struct {
	ID        string
	Title     string
	Content   string
	OwnerID   string
	IsPublic  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Permission struct {
	NoteID string
	UserID string
	Level  rbac.Role
}
