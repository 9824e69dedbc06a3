package crdt

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	ErrDestroyed       = errors.New("crdt: document destroyed")
)

// ID identifies one inserted item. Clock is a Lamport timestamp, so an
// item's clock is always greater than the clock of the item it follows.
type ID struct {
	Client uint64 `msgpack:"c"`
	Clock  uint64 `msgpack:"k"`
}

func (id ID) IsZero() bool { return id.Client == 0 && id.Clock == 0 }

// Less orders ids by clock, then client.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

func (id ID) String() string { return fmt.Sprintf("%d@%d", id.Clock, id.Client) }

type insertRecord struct {
	ID      ID     `msgpack:"id"`
	Root    string `msgpack:"r"`
	Origin  ID     `msgpack:"o"`
	Content string `msgpack:"v"`
}

type update struct {
	Inserts []insertRecord `msgpack:"i,omitempty"`
	Deletes []ID           `msgpack:"d,omitempty"`
}

func (u update) empty() bool { return len(u.Inserts) == 0 && len(u.Deletes) == 0 }

func encodeUpdate(u update) []byte {
	if u.empty() {
		return []byte{}
	}
	b, err := msgpack.Marshal(&u)
	if err != nil {
		// only plain structs go through here
		panic(fmt.Sprintf("crdt: encode update: %v", err))
	}
	return b
}

func decodeUpdate(data []byte) (update, error) {
	var u update
	if len(data) == 0 {
		return u, nil
	}
	if err := msgpack.Unmarshal(data, &u); err != nil {
		return update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, ins := range u.Inserts {
		if ins.ID.Clock == 0 || ins.Root == "" {
			return update{}, fmt.Errorf("%w: insert %s has no clock or root", ErrMalformedUpdate, ins.ID)
		}
	}
	return u, nil
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// MergeUpdates folds several updates into one that has the same effect as
// applying them all.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	doc := NewDocWithClientID(0)
	defer doc.Destroy()
	for _, u := range updates {
		if err := doc.ApplyUpdate(u, ""); err != nil {
			return nil, err
		}
	}
	return doc.EncodeStateAsUpdate(), nil
}
