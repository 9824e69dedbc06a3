// Package localstore keeps a per-document log of CRDT updates on disk so a
// client can reopen a note without waiting for the server.
package localstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"knowtis/collab/internal/crdt"
)

var documentsBucket = []byte("documents")

// DefaultCompactAfter is how many appended updates trigger a compaction.
const DefaultCompactAfter = 500

type Store struct {
	db *bolt.DB
}

// Open opens or creates the update log at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init local store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AppendUpdate records update at the end of the document's log and returns
// the number of entries in the log.
func (s *Store) AppendUpdate(documentID string, update []byte) (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(documentsBucket).CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), update); err != nil {
			return err
		}
		n = countKeys(b)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append update %s: %w", documentID, err)
	}
	return n, nil
}

// LoadUpdates returns the document's log in append order.
func (s *Store) LoadUpdates(documentID string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket).Bucket([]byte(documentID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load updates %s: %w", documentID, err)
	}
	return out, nil
}

// Compact replaces the document's log with a single merged update.
func (s *Store) Compact(documentID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(documentsBucket)
		b := parent.Bucket([]byte(documentID))
		if b == nil {
			return nil
		}
		var updates [][]byte
		if err := b.ForEach(func(_, v []byte) error {
			updates = append(updates, v)
			return nil
		}); err != nil {
			return err
		}
		if len(updates) < 2 {
			return nil
		}
		merged, err := crdt.MergeUpdates(updates...)
		if err != nil {
			return err
		}
		seq := b.Sequence()
		if err := parent.DeleteBucket([]byte(documentID)); err != nil {
			return err
		}
		fresh, err := parent.CreateBucket([]byte(documentID))
		if err != nil {
			return err
		}
		if err := fresh.SetSequence(seq); err != nil {
			return err
		}
		return fresh.Put(seqKey(seq), merged)
	})
	if err != nil {
		return fmt.Errorf("compact %s: %w", documentID, err)
	}
	return nil
}

// Clear drops the document's log.
func (s *Store) Clear(documentID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(documentsBucket).DeleteBucket([]byte(documentID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("clear %s: %w", documentID, err)
	}
	return nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}
