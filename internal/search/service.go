package search

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"knowtis/collab/internal/crdt"
	"knowtis/collab/internal/store"
)

// NoteSource stores the plain text of notes and resolves their metadata.
type NoteSource interface {
	GetNote(ctx context.Context, noteID string) (store.Note, error)
	UpdateContent(ctx context.Context, noteID, content string) error
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Searcher
	fallback Searcher
	indexer  Indexer
	notes    NoteSource
	log      *zap.SugaredLogger
}

// NewService wires the search backends. primary and indexer may be nil when
// Meilisearch is not configured.
func NewService(primary Searcher, fallback Searcher, indexer Indexer, notes NoteSource, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{primary: primary, fallback: fallback, indexer: indexer, notes: notes, log: log}
}

// Search tries the primary backend if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warnw("meilisearch error, falling back to pgfts", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Errorw("pgfts error", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSnapshot refreshes the searchable text of a note from its encoded
// document state. Notes without a row are skipped.
func (s *Service) IndexSnapshot(ctx context.Context, noteID string, state []byte) {
	text, err := crdt.ReadText(state, crdt.ContentRoot)
	if err != nil {
		s.log.Warnw("cannot read snapshot text", "note_id", noteID, "error", err)
		return
	}
	if s.notes == nil {
		return
	}
	note, err := s.notes.GetNote(ctx, noteID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warnw("load note for indexing", "note_id", noteID, "error", err)
		return
	}
	if err := s.notes.UpdateContent(ctx, noteID, text); err != nil {
		s.log.Warnw("update note content", "note_id", noteID, "error", err)
	}

	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	record := NoteRecord{ID: note.ID, Title: note.Title, Content: text, OwnerID: note.OwnerID, IsPublic: note.IsPublic}
	go func() {
		if err := s.indexer.IndexNote(record); err != nil {
			s.log.Warnw("index note", "note_id", record.ID, "error", err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
