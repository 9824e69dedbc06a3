package snapshot

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"knowtis/collab/internal/store"
)

// Backing is the durable snapshot store.
type Backing interface {
	FindSnapshot(ctx context.Context, documentID string) ([]byte, error)
	WriteSnapshot(ctx context.Context, documentID string, state []byte) error
}

// Tiered reads through the cache and writes through to it. A nil cache
// turns it into a pass-through to the backing store.
type Tiered struct {
	backing Backing
	cache   *RedisCache
	log     *zap.SugaredLogger
}

func NewTiered(backing Backing, cache *RedisCache, log *zap.SugaredLogger) *Tiered {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Tiered{backing: backing, cache: cache, log: log}
}

func (t *Tiered) FindSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	if t.cache != nil {
		state, err := t.cache.Get(ctx, documentID)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, ErrMiss) {
			t.log.Warnw("snapshot cache read failed", "document_id", documentID, "error", err)
		}
	}

	state, err := t.backing.FindSnapshot(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if t.cache != nil {
		if err := t.cache.Set(ctx, documentID, state); err != nil {
			t.log.Warnw("snapshot cache fill failed", "document_id", documentID, "error", err)
		}
	}
	return state, nil
}

// WriteSnapshot writes to the backing store first. Documents without a row
// are transient: they are cached when a cache exists and skipped otherwise.
func (t *Tiered) WriteSnapshot(ctx context.Context, documentID string, state []byte) error {
	err := t.backing.WriteSnapshot(ctx, documentID, state)
	transient := errors.Is(err, store.ErrNotFound)
	if err != nil && !transient {
		return err
	}
	if t.cache == nil {
		if transient {
			t.log.Debugw("no note row, snapshot not persisted", "document_id", documentID)
		}
		return nil
	}
	if cacheErr := t.cache.Set(ctx, documentID, state); cacheErr != nil {
		if transient {
			return cacheErr
		}
		t.log.Warnw("snapshot cache write failed", "document_id", documentID, "error", cacheErr)
	}
	return nil
}
