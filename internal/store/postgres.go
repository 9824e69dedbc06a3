package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"knowtis/collab/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) NoteExists(ctx context.Context, noteID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM notes WHERE id=$1)`, noteID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check note %s: %w", noteID, err)
	}
	return exists, nil
}

func (s *PostgresStore) IsPublic(ctx context.Context, noteID string) (bool, error) {
	var public bool
	err := s.db.QueryRowContext(ctx, `SELECT is_public FROM notes WHERE id=$1`, noteID).Scan(&public)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("note visibility %s: %w", noteID, err)
	}
	return public, nil
}

func (s *PostgresStore) HasAccess(ctx context.Context, noteID, userID string, min rbac.Role) (bool, error) {
	levels := make([]string, 0, 2)
	for _, level := range rbac.AtLeast(min) {
		levels = append(levels, string(level))
	}
	const query = `
		SELECT EXISTS(SELECT 1 FROM notes WHERE id=$1 AND owner_id=$2)
			OR EXISTS(
				SELECT 1 FROM note_permissions
				WHERE note_id=$1 AND user_id=$2 AND permission::text = ANY($3::text[])
			)
	`
	var ok bool
	if err := s.db.QueryRowContext(ctx, query, noteID, userID, levels).Scan(&ok); err != nil {
		return false, fmt.Errorf("check access %s/%s: %w", noteID, userID, err)
	}
	return ok, nil
}

// FindSnapshot returns ErrNotFound when the note is missing or has never
// been snapshotted.
func (s *PostgresStore) FindSnapshot(ctx context.Context, noteID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `SELECT yjs_state FROM notes WHERE id=$1`, noteID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find snapshot %s: %w", noteID, err)
	}
	if state == nil {
		return nil, ErrNotFound
	}
	return state, nil
}

// WriteSnapshot returns ErrNotFound when no note row exists for noteID.
func (s *PostgresStore) WriteSnapshot(ctx context.Context, noteID string, state []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notes SET yjs_state=$2, updated_at=NOW() WHERE id=$1`, noteID, state)
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", noteID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", noteID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID string) (Note, error) {
	var note Note
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content, owner_id, is_public, created_at, updated_at
		FROM notes WHERE id=$1
	`, noteID).Scan(&note.ID, &note.Title, &note.Content, &note.OwnerID, &note.IsPublic, &note.CreatedAt, &note.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("get note %s: %w", noteID, err)
	}
	return note, nil
}

// UpdateContent stores the plain-text rendering used by full-text search.
func (s *PostgresStore) UpdateContent(ctx context.Context, noteID, content string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notes SET content=$2 WHERE id=$1`, noteID, content)
	if err != nil {
		return fmt.Errorf("update content %s: %w", noteID, err)
	}
	return nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, id, email, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, email, name)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertNote(ctx context.Context, note Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, title, content, owner_id, is_public)
		VALUES ($1, $2, $3, $4, $5)
	`, note.ID, note.Title, note.Content, note.OwnerID, note.IsPublic)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetPermission(ctx context.Context, p Permission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO note_permissions (note_id, user_id, permission)
		VALUES ($1, $2, $3::note_permission)
		ON CONFLICT (note_id, user_id) DO UPDATE SET permission = EXCLUDED.permission
	`, p.NoteID, p.UserID, string(p.Level))
	if err != nil {
		return fmt.Errorf("set permission: %w", err)
	}
	return nil
}
